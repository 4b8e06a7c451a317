package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bakerst/bakerst/internal/agent"
	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/plugins"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Channel        string `json:"channel,omitempty"`
}

func decodeChatRequest(r *http.Request) (*chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, brainerrors.Validationf("invalid request body: %v", err)
	}
	if req.Message == "" {
		return nil, brainerrors.Validationf("message is required")
	}
	return &req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.machine.BeginTurn() {
		s.writeError(w, fmt.Errorf("brain is %s: %w", s.machine.State(), brainerrors.ErrUnavailable))
		return
	}
	defer s.machine.EndTurn()

	result, err := s.chat.Chat(r.Context(), req.Message, agent.ChatOptions{
		ConversationID: req.ConversationID,
		Channel:        req.Channel,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleChatStream streams agent events as server-sent events, one
// "data: <json>" line per event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}
	if !s.machine.BeginTurn() {
		s.writeError(w, fmt.Errorf("brain is %s: %w", s.machine.State(), brainerrors.ErrUnavailable))
		return
	}
	defer s.machine.EndTurn()

	events, err := s.chat.ChatStream(r.Context(), req.Message, agent.ChatOptions{
		ConversationID: req.ConversationID,
		Channel:        req.Channel,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("event encode failed", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

var upgrader = websocket.Upgrader{
	// Origin policy is enforced by the CORS middleware for the browser; the
	// socket accepts any origin that got this far.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleChatWS mirrors the SSE stream over a WebSocket: the client sends one
// chat request, the server replies with the event sequence and closes.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req chatRequest
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(agent.Event{Type: agent.EventError, Message: "invalid request"})
		return
	}
	if req.Message == "" {
		conn.WriteJSON(agent.Event{Type: agent.EventError, Message: "message is required"})
		return
	}
	if !s.machine.BeginTurn() {
		conn.WriteJSON(agent.Event{Type: agent.EventError, Message: "service draining"})
		return
	}
	defer s.machine.EndTurn()

	events, err := s.chat.ChatStream(r.Context(), req.Message, agent.ChatOptions{
		ConversationID: req.ConversationID,
		Channel:        req.Channel,
	})
	if err != nil {
		conn.WriteJSON(agent.Event{Type: agent.EventError, Message: err.Error()})
		return
	}

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Warn("websocket write failed", "error", err)
			// The turn goroutine blocks on its next send until the channel
			// is drained; abandoning it would leak the goroutine.
			for range events {
			}
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

type webhookRequest struct {
	Type      string            `json:"type"`
	Job       string            `json:"job,omitempty"`
	Command   string            `json:"command,omitempty"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Vars      map[string]any    `json:"vars,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// handleWebhook dispatches a job and returns immediately with its id.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, brainerrors.Validationf("invalid request body: %v", err))
		return
	}

	jobID, err := s.dispatcher.DispatchJob(r.Context(), &plugins.DispatchRequest{
		Type:      req.Type,
		Source:    "webhook",
		Job:       req.Job,
		Command:   req.Command,
		URL:       req.URL,
		Method:    req.Method,
		Headers:   req.Headers,
		Vars:      req.Vars,
		TimeoutMs: req.TimeoutMs,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  jobID,
		"status": "dispatched",
	})
}
