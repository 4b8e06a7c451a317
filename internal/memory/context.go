package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/store"
)

// Builder defaults.
const (
	DefaultKeepLastMessages  = 20
	DefaultObserveThreshold  = 2000
	DefaultReflectThreshold  = 4000
	observationBlockHeading  = "Conversation Context (Observations)"
	claudeCodeIdentityPrefix = "You are Claude Code, Anthropic's official CLI for Claude."
)

// BuildOptions carry per-turn inputs to the context builder.
type BuildOptions struct {
	SystemPrompt string
	Memories     []Memory
	UseOAuth     bool
	Channel      string
}

// Context is the assembled model input plus the flags that drive the
// observer and reflector passes.
type Context struct {
	System   []router.SystemBlock
	Messages []router.Message

	ShouldObserve bool
	ShouldReflect bool

	// LatestMessageID is the newest message included, used as the observer's
	// upper bound.
	LatestMessageID string

	// LockVersion is the memory-state version read during the build, for CAS
	// updates by the observer/reflector.
	LockVersion int

	UnobservedTokens  int
	ObservationTokens int
}

// Builder assembles model context for a conversation.
type Builder struct {
	store *store.Store

	// KeepLastMessages is the floor on tail length.
	KeepLastMessages int

	// ObserveThreshold and ReflectThreshold are token thresholds for the
	// shouldObserve / shouldReflect flags.
	ObserveThreshold int
	ReflectThreshold int
}

// NewBuilder creates a context builder with default thresholds.
func NewBuilder(st *store.Store) *Builder {
	return &Builder{
		store:            st,
		KeepLastMessages: DefaultKeepLastMessages,
		ObserveThreshold: DefaultObserveThreshold,
		ReflectThreshold: DefaultReflectThreshold,
	}
}

// Build assembles the system blocks, tail messages, and threshold flags for
// one turn of the given conversation.
func (b *Builder) Build(ctx context.Context, conversationID string, opts BuildOptions) (*Context, error) {
	state, err := b.store.GetMemoryState(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("memory state: %w", err)
	}

	obsLog, err := b.store.LatestObservationLog(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("observation log: %w", err)
	}

	out := &Context{
		LockVersion:       state.LockVersion,
		UnobservedTokens:  state.UnobservedTokenCount,
		ObservationTokens: state.ObservationTokenCount,
		ShouldObserve:     state.UnobservedTokenCount >= b.ObserveThreshold,
		ShouldReflect:     state.ObservationTokenCount >= b.ReflectThreshold,
	}

	out.System = buildSystemBlocks(opts, obsLog)

	messages, err := b.tailMessages(ctx, conversationID, state.ObservedCursorMessageID)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		out.Messages = append(out.Messages, router.TextMessage(mapRole(msg.Role), msg.Content))
		out.LatestMessageID = msg.ID
	}

	return out, nil
}

// buildSystemBlocks produces the ordered system blocks. The observation block
// carries the cache marker; when absent, the marker moves to the last
// preceding block.
func buildSystemBlocks(opts BuildOptions, obsLog *store.ObservationLog) []router.SystemBlock {
	var blocks []router.SystemBlock

	if opts.UseOAuth {
		blocks = append(blocks, router.SystemBlock{Text: claudeCodeIdentityPrefix})
	}
	if opts.SystemPrompt != "" {
		blocks = append(blocks, router.SystemBlock{Text: opts.SystemPrompt})
	}

	hasObservations := obsLog != nil && obsLog.Text != ""
	if hasObservations {
		blocks = append(blocks, router.SystemBlock{
			Text:  observationBlockHeading + "\n\n" + obsLog.Text,
			Cache: true,
		})
	} else if len(blocks) > 0 {
		blocks[len(blocks)-1].Cache = true
	}

	if len(opts.Memories) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant long-term memories:\n")
		for _, m := range opts.Memories {
			fmt.Fprintf(&sb, "- [%s] %s (id: %s)\n", m.Category, m.Content, m.ID)
		}
		blocks = append(blocks, router.SystemBlock{Text: sb.String()})
	}

	if opts.Channel != "" && opts.Channel != "web" {
		blocks = append(blocks, router.SystemBlock{
			Text: fmt.Sprintf("You are replying on the %s channel. Keep responses concise and conversational.", opts.Channel),
		})
	}

	return blocks
}

// tailMessages returns the messages after the observed cursor, with a floor:
// at least the last KeepLastMessages messages are always included.
func (b *Builder) tailMessages(ctx context.Context, conversationID, cursor string) ([]*store.Message, error) {
	tail, err := b.store.MessagesAfter(ctx, conversationID, cursor)
	if err != nil {
		return nil, fmt.Errorf("messages after cursor: %w", err)
	}

	keep := b.KeepLastMessages
	if keep <= 0 {
		keep = DefaultKeepLastMessages
	}
	if len(tail) >= keep || cursor == "" {
		return tail, nil
	}

	all, err := b.store.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	if len(all) <= keep {
		return all, nil
	}
	return all[len(all)-keep:], nil
}

// mapRole maps stored roles onto wire roles. Tool results ride as user
// messages at the adapter layer but keep their role here for the loop.
func mapRole(role string) string {
	switch role {
	case store.RoleAssistant:
		return "assistant"
	case store.RoleTool:
		return "user"
	default:
		return "user"
	}
}
