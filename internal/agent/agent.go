// Package agent runs the streaming, tool-calling conversation loop: build
// context, stream the model, resolve tool calls through the unified registry,
// persist turn outputs, and kick off memory passes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bakerst/bakerst/internal/memory"
	"github.com/bakerst/bakerst/internal/observability"
	"github.com/bakerst/bakerst/internal/plugins"
	"github.com/bakerst/bakerst/internal/registry"
	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/store"
)

// MaxToolIterations caps the tool-call loop per turn.
const MaxToolIterations = 20

// toolSummaryLimit caps the summary text carried by tool_result events.
const toolSummaryLimit = 500

// Stream event types.
const (
	EventDelta      = "delta"
	EventThinking   = "thinking"
	EventToolResult = "tool_result"
	EventDone       = "done"
	EventError      = "error"
)

// Event is one element of a chat stream.
type Event struct {
	Type string `json:"type"`

	// Text, for delta events.
	Text string `json:"text,omitempty"`

	// Tool and Summary, for thinking / tool_result events.
	Tool    string `json:"tool,omitempty"`
	Summary string `json:"summary,omitempty"`

	// Terminal done fields.
	ConversationID string   `json:"conversationId,omitempty"`
	JobIDs         []string `json:"jobIds,omitempty"`
	ToolCallCount  int      `json:"toolCallCount,omitempty"`

	// Message, for error events.
	Message string `json:"message,omitempty"`
}

// ChatOptions select the conversation and channel for a turn.
type ChatOptions struct {
	ConversationID string
	Channel        string
}

// ChatResult is the non-streaming turn outcome.
type ChatResult struct {
	Response       string   `json:"response"`
	ConversationID string   `json:"conversationId"`
	JobIDs         []string `json:"jobIds,omitempty"`
	ToolCallCount  int      `json:"toolCallCount"`
}

// streamRouter is the slice of the model router the loop uses.
type streamRouter interface {
	ChatStream(ctx context.Context, params *router.ChatParams) (<-chan router.StreamEvent, error)
	UseOAuth() bool
}

// toolRegistry is the slice of the unified registry the loop uses.
type toolRegistry interface {
	AllToolDefinitions() []router.ToolDefinition
	Execute(ctx context.Context, name string, input json.RawMessage) (*registry.ExecuteResult, error)
}

// memoryPasses triggers the observer and reflector after a turn.
type memoryPasses interface {
	RunAfterTurn(ctx context.Context, conversationID string, shouldObserve, shouldReflect bool)
}

// Agent is the conversation runtime.
type Agent struct {
	store    *store.Store
	router   streamRouter
	registry toolRegistry
	builder  *memory.Builder
	searcher memory.Searcher
	passes   memoryPasses
	logger   *slog.Logger
	metrics  *observability.Metrics

	// SystemPrompt is the static prompt prepended to every turn.
	SystemPrompt string

	// MemoryTopK bounds long-term memory retrieval.
	MemoryTopK int

	// passTimeout bounds the post-turn observer/reflector work.
	passTimeout time.Duration
}

// New creates an Agent.
func New(st *store.Store, rt streamRouter, reg toolRegistry, builder *memory.Builder,
	searcher memory.Searcher, passes memoryPasses, logger *slog.Logger, metrics *observability.Metrics) *Agent {
	return &Agent{
		store:       st,
		router:      rt,
		registry:    reg,
		builder:     builder,
		searcher:    searcher,
		passes:      passes,
		logger:      logger,
		metrics:     metrics,
		MemoryTopK:  5,
		passTimeout: 2 * time.Minute,
	}
}

// Chat runs a turn to completion and returns the assembled response.
func (a *Agent) Chat(ctx context.Context, message string, opts ChatOptions) (*ChatResult, error) {
	events, err := a.ChatStream(ctx, message, opts)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	result := &ChatResult{}
	for ev := range events {
		switch ev.Type {
		case EventDelta:
			sb.WriteString(ev.Text)
		case EventDone:
			result.ConversationID = ev.ConversationID
			result.JobIDs = ev.JobIDs
			result.ToolCallCount = ev.ToolCallCount
		case EventError:
			return nil, fmt.Errorf("chat turn failed: %s", ev.Message)
		}
	}
	result.Response = sb.String()
	return result, nil
}

// ChatStream runs a turn, emitting events as they happen. The channel closes
// after exactly one terminal done or error event.
func (a *Agent) ChatStream(ctx context.Context, message string, opts ChatOptions) (<-chan Event, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message must not be empty")
	}

	conv, err := a.resolveConversation(ctx, opts.ConversationID)
	if err != nil {
		return nil, err
	}

	if _, err := a.store.AddMessage(ctx, conv.ID, store.RoleUser, message, memory.EstimateTokens(message)); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	events := make(chan Event)
	go a.runTurn(ctx, conv.ID, message, opts.Channel, events)
	return events, nil
}

func (a *Agent) resolveConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if id != "" {
		return a.store.GetConversation(ctx, id)
	}
	return a.store.CreateConversation(ctx, "")
}

func (a *Agent) runTurn(ctx context.Context, conversationID, message, channel string, events chan<- Event) {
	defer close(events)

	if a.metrics != nil {
		a.metrics.InFlightTurns.Inc()
		defer a.metrics.InFlightTurns.Dec()
	}
	logger := a.logger.With("conversation_id", conversationID)

	var memories []memory.Memory
	if a.searcher != nil {
		found, err := a.searcher.Search(ctx, message, a.MemoryTopK)
		if err != nil {
			logger.Warn("memory search failed", "error", err)
		} else {
			memories = found
		}
	}

	built, err := a.builder.Build(ctx, conversationID, memory.BuildOptions{
		SystemPrompt: a.SystemPrompt,
		Memories:     memories,
		UseOAuth:     a.router.UseOAuth(),
		Channel:      channel,
	})
	if err != nil {
		a.fail(ctx, events, conversationID, "", fmt.Errorf("build context: %w", err))
		return
	}
	// Flags are captured at turn start: passes run against this turn's
	// thresholds even if concurrent turns move the counters.
	shouldObserve, shouldReflect := built.ShouldObserve, built.ShouldReflect

	toolCtx, collector := plugins.WithJobIDCollector(ctx)
	tools := a.registry.AllToolDefinitions()
	working := built.Messages

	var assistantText strings.Builder
	toolCallCount := 0

	for iteration := 0; ; iteration++ {
		if iteration >= MaxToolIterations {
			a.fail(ctx, events, conversationID, assistantText.String(),
				fmt.Errorf("tool-call limit of %d iterations exceeded", MaxToolIterations))
			return
		}

		stream, err := a.router.ChatStream(ctx, &router.ChatParams{
			Role:     "agent",
			System:   built.System,
			Messages: working,
			Tools:    tools,
		})
		if err != nil {
			a.fail(ctx, events, conversationID, assistantText.String(), err)
			return
		}

		var done *router.ChatResponse
		for ev := range stream {
			switch {
			case ev.Err != nil:
				a.fail(ctx, events, conversationID, assistantText.String(), ev.Err)
				return
			case ev.Type == router.EventTextDelta:
				assistantText.WriteString(ev.Text)
				events <- Event{Type: EventDelta, Text: ev.Text}
			case ev.Type == router.EventMessageDone:
				done = ev.Response
			}
		}
		if done == nil {
			a.fail(ctx, events, conversationID, assistantText.String(),
				fmt.Errorf("stream ended without terminal event"))
			return
		}

		working = append(working, router.Message{Role: "assistant", Content: done.Content})

		if done.StopReason != router.StopToolUse {
			break
		}

		var results []router.ContentBlock
		for _, use := range done.ToolUses() {
			events <- Event{Type: EventThinking, Tool: use.Name}
			toolCallCount++

			summary, isErr := a.executeTool(toolCtx, use)
			results = append(results, router.ContentBlock{
				Type:      router.BlockToolResult,
				ToolUseID: use.ID,
				Content:   summary,
				IsError:   isErr,
			})
			events <- Event{Type: EventToolResult, Tool: use.Name, Summary: truncate(summary, toolSummaryLimit)}
		}
		working = append(working, router.Message{Role: store.RoleTool, Content: results})
	}

	finalText := assistantText.String()
	if finalText != "" {
		if _, err := a.store.AddMessage(ctx, conversationID, store.RoleAssistant, finalText, memory.EstimateTokens(finalText)); err != nil {
			a.fail(ctx, events, conversationID, "", fmt.Errorf("persist assistant message: %w", err))
			return
		}
	}

	if a.metrics != nil {
		a.metrics.ChatTurns.WithLabelValues(orWeb(channel), "success").Inc()
	}
	events <- Event{
		Type:           EventDone,
		ConversationID: conversationID,
		JobIDs:         collector.IDs(),
		ToolCallCount:  toolCallCount,
	}

	if a.passes != nil && (shouldObserve || shouldReflect) {
		go func() {
			passCtx, cancel := context.WithTimeout(context.Background(), a.passTimeout)
			defer cancel()
			a.passes.RunAfterTurn(passCtx, conversationID, shouldObserve, shouldReflect)
		}()
	}
}

func (a *Agent) executeTool(ctx context.Context, use router.ContentBlock) (string, bool) {
	result, err := a.registry.Execute(ctx, use.Name, use.Input)
	if err != nil {
		a.logger.Warn("tool execution failed", "tool", use.Name, "error", err)
		return fmt.Sprintf("tool %s failed: %v", use.Name, err), true
	}
	return result.Result, false
}

// fail persists the partial assistant content and emits the terminal error
// event. Conversation state is never lost on failure.
func (a *Agent) fail(ctx context.Context, events chan<- Event, conversationID, partial string, err error) {
	a.logger.Error("chat turn failed", "conversation_id", conversationID, "error", err)

	if partial != "" {
		if _, perr := a.store.AddMessage(ctx, conversationID, store.RoleAssistant, partial, memory.EstimateTokens(partial)); perr != nil {
			a.logger.Error("failed to persist partial assistant content",
				"conversation_id", conversationID, "error", perr)
		}
	}
	if a.metrics != nil {
		a.metrics.ChatTurns.WithLabelValues("unknown", "error").Inc()
	}
	events <- Event{Type: EventError, Message: err.Error()}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func orWeb(channel string) string {
	if channel == "" {
		return "web"
	}
	return channel
}
