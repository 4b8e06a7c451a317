// Package server is the brain's HTTP surface: chat (JSON, SSE, WebSocket),
// webhook job dispatch, conversation and job reads, skill and schedule
// administration, and the MCP registry proxy.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bakerst/bakerst/internal/agent"
	"github.com/bakerst/bakerst/internal/brain"
	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/plugins"
	"github.com/bakerst/bakerst/internal/scheduler"
	"github.com/bakerst/bakerst/internal/store"
)

// chatService is the slice of the agent the server uses.
type chatService interface {
	Chat(ctx context.Context, message string, opts agent.ChatOptions) (*agent.ChatResult, error)
	ChatStream(ctx context.Context, message string, opts agent.ChatOptions) (<-chan agent.Event, error)
}

// schedulerService is the slice of the scheduler the server uses.
type schedulerService interface {
	List(ctx context.Context) ([]*store.Schedule, error)
	Get(ctx context.Context, id string) (*store.Schedule, error)
	Create(ctx context.Context, sched *store.Schedule) (*store.Schedule, error)
	Update(ctx context.Context, id string, update scheduler.Update) (*store.Schedule, error)
	Delete(ctx context.Context, id string) error
	Trigger(ctx context.Context, id string) (string, error)
}

// skillRuntime connects and disconnects live skill processes as rows change.
type skillRuntime interface {
	ConnectAndRegister(ctx context.Context, skill *store.Skill) error
	DisconnectSkill(id string) error
}

// registryProxy searches the upstream MCP registry.
type registryProxy interface {
	Search(ctx context.Context, search string) ([]byte, error)
}

// Options configure the server.
type Options struct {
	// AuthToken is the static bearer token. Empty disables auth.
	AuthToken string

	// CORSOrigins is the allowed origin list. Empty echoes any origin.
	CORSOrigins []string

	// AgentName and Version are reported by /ping.
	AgentName string
	Version   string
}

// Server handles the brain's HTTP traffic.
type Server struct {
	opts       Options
	machine    *brain.Machine
	chat       chatService
	dispatcher plugins.JobDispatcher
	store      *store.Store
	scheduler  schedulerService
	skills     skillRuntime
	registry   registryProxy
	promReg    prometheus.Gatherer
	logger     *slog.Logger
}

// New creates a Server.
func New(machine *brain.Machine, chat chatService, dispatcher plugins.JobDispatcher,
	st *store.Store, sched schedulerService, skills skillRuntime, registry registryProxy,
	promReg prometheus.Gatherer, logger *slog.Logger, opts Options) *Server {
	return &Server{
		opts:       opts,
		machine:    machine,
		chat:       chat,
		dispatcher: dispatcher,
		store:      st,
		scheduler:  sched,
		skills:     skills,
		registry:   registry,
		promReg:    promReg,
		logger:     logger,
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /brain/state", s.handleBrainState)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /chat/ws", s.handleChatWS)
	mux.HandleFunc("POST /webhook", s.handleWebhook)

	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("GET /conversations/{id}/messages", s.handleConversationMessages)

	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}/status", s.handleJobStatus)

	mux.HandleFunc("GET /skills", s.handleListSkills)
	mux.HandleFunc("POST /skills", s.handleCreateSkill)
	mux.HandleFunc("GET /skills/{id}", s.handleGetSkill)
	mux.HandleFunc("PUT /skills/{id}", s.handleUpdateSkill)
	mux.HandleFunc("DELETE /skills/{id}", s.handleDeleteSkill)

	mux.HandleFunc("GET /schedules", s.handleListSchedules)
	mux.HandleFunc("POST /schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /schedules/{id}/trigger", s.handleTriggerSchedule)

	mux.HandleFunc("GET /mcps/registry", s.handleRegistrySearch)

	if s.promReg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}

	return s.cors(s.auth(s.drainGate(mux)))
}

// Run serves until ctx is cancelled or the machine shuts down, then drains
// connections gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	case <-s.machine.ShutdownCh():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// bypassPath reports whether a path skips auth and the drain gate.
func bypassPath(path string) bool {
	return path == "/ping" || path == "/brain/state"
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	// No configured list means dev-permissive.
	if len(s.opts.CORSOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.CORSOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" || bypassPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) != 1 {
			s.writeError(w, brainerrors.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// drainGate rejects non-health traffic while the brain is not active.
func (s *Server) drainGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bypassPath(r.URL.Path) || s.machine.IsAcceptingRequests() {
			next.ServeHTTP(w, r)
			return
		}
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "service draining",
			"state": s.machine.State(),
		})
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// writeError maps the error taxonomy onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case brainerrors.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, brainerrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, brainerrors.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, brainerrors.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case brainerrors.IsTransient(err):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if !s.machine.IsReady() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"state":  s.machine.State(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"agent":   s.opts.AgentName,
		"version": s.opts.Version,
	})
}

func (s *Server) handleBrainState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.machine.State(),
		"version": s.machine.Version(),
		"uptime":  int64(s.machine.Uptime().Seconds()),
	})
}
