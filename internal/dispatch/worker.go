package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/bus"
	"github.com/bakerst/bakerst/internal/observability"
	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/store"
)

// maxCommandLength bounds command-job command strings.
const maxCommandLength = 1024

// maxHTTPBody bounds how much of an http-job response is kept as the result.
const maxHTTPBody = 64 * 1024

// DefaultAllowedBinaries is the command-job allowlist used when none is
// configured.
var DefaultAllowedBinaries = []string{
	"echo", "date", "uname", "uptime", "hostname",
	"ls", "cat", "wc", "df", "du", "curl",
}

// statusPublisher is the slice of the bus client the worker uses.
type statusPublisher interface {
	PublishJobStatus(status *bus.JobStatus) error
}

// chatRouter runs agent-type jobs through the worker role.
type chatRouter interface {
	Chat(ctx context.Context, params *router.ChatParams) (*router.ChatResponse, error)
}

// WorkerOptions tune a Worker.
type WorkerOptions struct {
	// AllowedBinaries is the command-job allowlist. Nil uses the default.
	AllowedBinaries []string

	// JobTimeout bounds each job's execution. Zero means 30 minutes.
	JobTimeout time.Duration
}

// Worker executes dispatched jobs and publishes status as it goes.
type Worker struct {
	id      string
	bus     statusPublisher
	router  chatRouter
	logger  *slog.Logger
	metrics *observability.Metrics

	allowed    map[string]bool
	jobTimeout time.Duration
	httpClient *http.Client
	now        func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(id string, b statusPublisher, rt chatRouter, logger *slog.Logger,
	metrics *observability.Metrics, opts WorkerOptions) *Worker {
	binaries := opts.AllowedBinaries
	if binaries == nil {
		binaries = DefaultAllowedBinaries
	}
	allowed := make(map[string]bool, len(binaries))
	for _, name := range binaries {
		allowed[name] = true
	}

	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	return &Worker{
		id:         id,
		bus:        b,
		router:     rt,
		logger:     logger.With("worker_id", id),
		metrics:    metrics,
		allowed:    allowed,
		jobTimeout: timeout,
		httpClient: &http.Client{},
		now:        time.Now,
	}
}

// Run consumes the durable WORKERS stream until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, consumer jetstream.Consumer) error {
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		w.handleMessage(ctx, msg.Data())
		if err := msg.Ack(); err != nil {
			w.logger.Warn("ack failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}

// handleMessage runs one delivered dispatch end to end: received, running,
// then completed or failed.
func (w *Worker) handleMessage(ctx context.Context, data []byte) {
	var dispatch bus.JobDispatch
	if err := json.Unmarshal(data, &dispatch); err != nil {
		w.logger.Error("undecodable dispatch dropped", "error", err)
		return
	}

	ctx = observability.ExtractTraceContext(ctx, dispatch.TraceContext)
	traceID := observability.TraceID(ctx)
	logger := w.logger.With("job_id", dispatch.JobID, "type", dispatch.Type)

	w.publishStatus(&bus.JobStatus{
		JobID: dispatch.JobID, WorkerID: w.id, Status: store.JobReceived, TraceID: traceID,
	})
	w.publishStatus(&bus.JobStatus{
		JobID: dispatch.JobID, WorkerID: w.id, Status: store.JobRunning, TraceID: traceID,
	})

	timeout := w.jobTimeout
	if dispatch.TimeoutMs > 0 {
		timeout = time.Duration(dispatch.TimeoutMs) * time.Millisecond
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := w.now()
	result, err := w.Execute(jobCtx, &dispatch)
	durationMs := w.now().Sub(started).Milliseconds()

	if err != nil {
		logger.Warn("job failed", "error", err, "duration_ms", durationMs)
		w.publishStatus(&bus.JobStatus{
			JobID: dispatch.JobID, WorkerID: w.id, Status: store.JobFailed,
			Error: err.Error(), DurationMs: durationMs, TraceID: traceID,
		})
		return
	}

	logger.Info("job completed", "duration_ms", durationMs)
	w.publishStatus(&bus.JobStatus{
		JobID: dispatch.JobID, WorkerID: w.id, Status: store.JobCompleted,
		Result: result, DurationMs: durationMs, TraceID: traceID,
	})
}

func (w *Worker) publishStatus(status *bus.JobStatus) {
	if err := w.bus.PublishJobStatus(status); err != nil {
		w.logger.Warn("status publish failed", "job_id", status.JobID, "status", status.Status, "error", err)
	}
}

// Execute runs one job by type and returns its result text.
func (w *Worker) Execute(ctx context.Context, dispatch *bus.JobDispatch) (string, error) {
	switch dispatch.Type {
	case store.JobTypeCommand:
		return w.runCommand(ctx, dispatch.Command)
	case store.JobTypeHTTP:
		return w.runHTTP(ctx, dispatch)
	case store.JobTypeAgent:
		return w.runAgent(ctx, dispatch.Job)
	default:
		return "", brainerrors.Validationf("unknown job type %q", dispatch.Type)
	}
}

// runCommand validates the command against the allowlist and runs it. Leading
// NAME=value tokens become the subprocess environment; the binary is checked
// by base name so absolute paths resolve to the same allowlist entry.
func (w *Worker) runCommand(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", brainerrors.Validationf("command is empty")
	}
	if len(command) > maxCommandLength {
		return "", brainerrors.Validationf("command exceeds max length of %d characters", maxCommandLength)
	}

	tokens := strings.Fields(command)
	var env []string
	for len(tokens) > 0 && isEnvAssignment(tokens[0]) {
		env = append(env, tokens[0])
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return "", brainerrors.Validationf("command has no binary")
	}

	binary := filepath.Base(tokens[0])
	if !w.allowed[binary] {
		return "", brainerrors.Validationf("binary %q is not in the allowlist", binary)
	}

	cmd := exec.CommandContext(ctx, tokens[0], tokens[1:]...)
	if env != nil {
		cmd.Env = append(cmd.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command timed out: %w", ctx.Err())
		}
		return "", brainerrors.Transient(fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out))))
	}
	return strings.TrimSpace(string(out)), nil
}

func isEnvAssignment(token string) bool {
	i := strings.IndexByte(token, '=')
	if i <= 0 {
		return false
	}
	for j, r := range token[:i] {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if j == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (w *Worker) runHTTP(ctx context.Context, dispatch *bus.JobDispatch) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(dispatch.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(dispatch.Vars) > 0 {
		data, err := json.Marshal(dispatch.Vars)
		if err != nil {
			return "", brainerrors.Validationf("invalid vars: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, dispatch.URL, body)
	if err != nil {
		return "", brainerrors.Validationf("invalid http job: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range dispatch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", brainerrors.Transient(fmt.Errorf("http job failed: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return "", brainerrors.Transient(fmt.Errorf("failed to read response: %w", err))
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))), nil
}

func (w *Worker) runAgent(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", brainerrors.Validationf("agent jobs require a job prompt")
	}
	resp, err := w.router.Chat(ctx, &router.ChatParams{
		Role:      "worker",
		Messages:  []router.Message{router.TextMessage("user", prompt)},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
