// Package observer implements the two-stage observational memory pipeline:
// the observer summarises unobserved messages into the observation log, and
// the reflector compresses the log when it grows past its budget. Both passes
// are best-effort and serialise through the memory-state lock version.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bakerst/bakerst/internal/memory"
	"github.com/bakerst/bakerst/internal/observability"
	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/store"
)

const observerSystemPrompt = `You observe a conversation between a user and their assistant.
Produce a concise structured summary of the new messages as short bullet points.
Capture decisions, preferences, facts, commitments, and outcomes. Omit pleasantries.`

const reflectorSystemPrompt = `You maintain the long-term observation log of a conversation.
Compress the log below into a smaller one that preserves decisions, preferences,
facts, and outcomes. Merge duplicates and drop stale detail.`

// chatRouter is the slice of the model router the passes need.
type chatRouter interface {
	Chat(ctx context.Context, params *router.ChatParams) (*router.ChatResponse, error)
}

// Observer runs both memory passes against a conversation.
type Observer struct {
	store   *store.Store
	router  chatRouter
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates an Observer.
func New(st *store.Store, rt chatRouter, logger *slog.Logger, metrics *observability.Metrics) *Observer {
	return &Observer{
		store:   st,
		router:  rt,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Observe summarises the messages in (observedCursor, latest] and advances
// the cursor. A CAS loss means another pass already ran; it aborts cleanly.
func (o *Observer) Observe(ctx context.Context, conversationID string) error {
	state, err := o.store.GetMemoryState(ctx, conversationID)
	if err != nil {
		return err
	}

	msgs, err := o.store.MessagesAfter(ctx, conversationID, state.ObservedCursorMessageID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	latest := msgs[len(msgs)-1]

	var transcript strings.Builder
	observedTokens := 0
	for _, msg := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
		observedTokens += memory.EstimateTokens(msg.Content)
	}

	resp, err := o.router.Chat(ctx, &router.ChatParams{
		Role:   "observer",
		System: []router.SystemBlock{{Text: observerSystemPrompt}},
		Messages: []router.Message{
			router.TextMessage("user", transcript.String()),
		},
	})
	if err != nil {
		o.recordRun("observer", "error")
		return fmt.Errorf("observer model call: %w", err)
	}

	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		o.recordRun("observer", "empty")
		return nil
	}
	summaryTokens := memory.EstimateTokens(summary)

	prev, err := o.store.LatestObservationLog(ctx, conversationID)
	if err != nil {
		return err
	}
	newVersion := 1
	newText := summary
	if prev != nil {
		newVersion = prev.Version + 1
		newText = prev.Text + "\n" + summary
	}

	remaining := state.UnobservedTokenCount - observedTokens
	if remaining < 0 {
		remaining = 0
	}

	// The CAS gates every write: a lost race must leave no observation row
	// and no new log version behind.
	ok, err := o.store.CommitObserverPass(ctx, conversationID, &store.ObserverCommit{
		Observation: &store.Observation{
			ConversationID:    conversationID,
			Text:              summary,
			TokenCount:        summaryTokens,
			SourceMessageFrom: msgs[0].ID,
			SourceMessageTo:   latest.ID,
		},
		LogVersion: newVersion,
		LogText:    newText,
		LogTokens:  memory.EstimateTokens(newText),
		StateUpdates: map[string]any{
			"observed_cursor_message_id": latest.ID,
			"unobserved_token_count":     remaining,
			"observation_token_count":    state.ObservationTokenCount + summaryTokens,
			"last_observer_run":          o.now().UTC().Format(time.RFC3339Nano),
		},
		LockVersion: state.LockVersion,
	})
	if err != nil {
		return err
	}
	if !ok {
		o.logger.Info("observer lost memory-state race, aborting",
			"conversation_id", conversationID, "lock_version", state.LockVersion)
		o.recordRun("observer", "cas_lost")
		return nil
	}

	o.recordRun("observer", "success")
	o.logger.Debug("observer pass complete",
		"conversation_id", conversationID,
		"messages", len(msgs),
		"summary_tokens", summaryTokens,
		"log_version", newVersion)
	return nil
}

// Reflect compresses the active observation log into a new version and
// resets the observation token counter.
func (o *Observer) Reflect(ctx context.Context, conversationID string) error {
	state, err := o.store.GetMemoryState(ctx, conversationID)
	if err != nil {
		return err
	}

	log, err := o.store.LatestObservationLog(ctx, conversationID)
	if err != nil {
		return err
	}
	if log == nil || log.Text == "" {
		return nil
	}

	resp, err := o.router.Chat(ctx, &router.ChatParams{
		Role:   "observer",
		System: []router.SystemBlock{{Text: reflectorSystemPrompt}},
		Messages: []router.Message{
			router.TextMessage("user", log.Text),
		},
	})
	if err != nil {
		o.recordRun("reflector", "error")
		return fmt.Errorf("reflector model call: %w", err)
	}

	compressed := strings.TrimSpace(resp.Text())
	if compressed == "" {
		o.recordRun("reflector", "empty")
		return nil
	}
	compressedTokens := memory.EstimateTokens(compressed)

	ok, err := o.store.CommitReflectorPass(ctx, conversationID, &store.ReflectorCommit{
		ReplacedVersion: log.Version,
		LogText:         compressed,
		LogTokens:       compressedTokens,
		StateUpdates: map[string]any{
			"observation_token_count": compressedTokens,
			"last_reflector_run":      o.now().UTC().Format(time.RFC3339Nano),
		},
		LockVersion: state.LockVersion,
	})
	if err != nil {
		return err
	}
	if !ok {
		o.logger.Info("reflector lost memory-state race, aborting",
			"conversation_id", conversationID, "lock_version", state.LockVersion)
		o.recordRun("reflector", "cas_lost")
		return nil
	}

	o.recordRun("reflector", "success")
	o.logger.Debug("reflector pass complete",
		"conversation_id", conversationID,
		"replaced_version", log.Version,
		"compressed_tokens", compressedTokens)
	return nil
}

// RunAfterTurn fires the passes flagged by the context builder. Failures are
// logged, never surfaced to the turn.
func (o *Observer) RunAfterTurn(ctx context.Context, conversationID string, shouldObserve, shouldReflect bool) {
	if shouldObserve {
		if err := o.Observe(ctx, conversationID); err != nil {
			o.logger.Warn("observer pass failed", "conversation_id", conversationID, "error", err)
		}
	}
	if shouldReflect {
		if err := o.Reflect(ctx, conversationID); err != nil {
			o.logger.Warn("reflector pass failed", "conversation_id", conversationID, "error", err)
		}
	}
}

func (o *Observer) recordRun(pass, status string) {
	if o.metrics != nil {
		o.metrics.ObserverRuns.WithLabelValues(pass, status).Inc()
	}
}
