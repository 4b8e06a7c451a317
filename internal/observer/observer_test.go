package observer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bakerst/bakerst/internal/memory"
	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/store"
)

type fakeRouter struct {
	reply string
	err   error
	calls []*router.ChatParams
}

func (f *fakeRouter) Chat(ctx context.Context, params *router.ChatParams) (*router.ChatResponse, error) {
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	return &router.ChatResponse{
		Content:    []router.ContentBlock{{Type: router.BlockText, Text: f.reply}},
		StopReason: router.StopEndTurn,
		Usage:      router.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func newObserver(t *testing.T, rt chatRouter) (*Observer, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, rt, logger, nil), st
}

func seed(t *testing.T, st *store.Store, messages ...string) string {
	t.Helper()
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for _, content := range messages {
		if _, err := st.AddMessage(ctx, conv.ID, store.RoleUser, content, memory.EstimateTokens(content)); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	return conv.ID
}

func TestObserve_AdvancesCursorAndCounters(t *testing.T) {
	rt := &fakeRouter{reply: "- user is planning a trip to Lisbon"}
	o, st := newObserver(t, rt)
	ctx := context.Background()
	convID := seed(t, st, "I want to plan a trip", "Somewhere warm, maybe Lisbon")

	if err := o.Observe(ctx, convID); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if len(rt.calls) != 1 || rt.calls[0].Role != "observer" {
		t.Fatalf("router calls = %+v, want one observer-role call", rt.calls)
	}

	state, err := st.GetMemoryState(ctx, convID)
	if err != nil {
		t.Fatalf("GetMemoryState: %v", err)
	}
	msgs, _ := st.GetMessages(ctx, convID)
	if state.ObservedCursorMessageID != msgs[len(msgs)-1].ID {
		t.Errorf("cursor = %s, want latest message", state.ObservedCursorMessageID)
	}
	if state.UnobservedTokenCount != 0 {
		t.Errorf("unobserved tokens = %d, want 0", state.UnobservedTokenCount)
	}
	wantObsTokens := memory.EstimateTokens(rt.reply)
	if state.ObservationTokenCount != wantObsTokens {
		t.Errorf("observation tokens = %d, want %d", state.ObservationTokenCount, wantObsTokens)
	}
	if state.LastObserverRun == nil {
		t.Error("lastObserverRun not set")
	}

	log, err := st.LatestObservationLog(ctx, convID)
	if err != nil || log == nil {
		t.Fatalf("LatestObservationLog: %v, %v", log, err)
	}
	if log.Version != 1 || !strings.Contains(log.Text, "Lisbon") {
		t.Errorf("log = %+v", log)
	}
}

func TestObserve_SecondPassAppendsToLog(t *testing.T) {
	rt := &fakeRouter{reply: "- first summary"}
	o, st := newObserver(t, rt)
	ctx := context.Background()
	convID := seed(t, st, "first message")

	if err := o.Observe(ctx, convID); err != nil {
		t.Fatalf("first Observe: %v", err)
	}

	if _, err := st.AddMessage(ctx, convID, store.RoleUser, "second message", 4); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	rt.reply = "- second summary"
	if err := o.Observe(ctx, convID); err != nil {
		t.Fatalf("second Observe: %v", err)
	}

	log, _ := st.LatestObservationLog(ctx, convID)
	if log.Version != 2 {
		t.Errorf("version = %d, want 2", log.Version)
	}
	if !strings.Contains(log.Text, "first summary") || !strings.Contains(log.Text, "second summary") {
		t.Errorf("log text = %q, want both summaries", log.Text)
	}
}

func TestObserve_NoNewMessagesIsNoop(t *testing.T) {
	rt := &fakeRouter{reply: "- summary"}
	o, st := newObserver(t, rt)
	ctx := context.Background()
	convID := seed(t, st, "only message")

	if err := o.Observe(ctx, convID); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := o.Observe(ctx, convID); err != nil {
		t.Fatalf("second Observe: %v", err)
	}
	if len(rt.calls) != 1 {
		t.Errorf("router calls = %d, want 1 (second pass had nothing to observe)", len(rt.calls))
	}
}

// racingRouter bumps the conversation's lock version mid-pass, after the
// observer has read memory state but before it writes, forcing a CAS loss.
type racingRouter struct {
	fakeRouter
	st     *store.Store
	convID string
	t      *testing.T
}

func (r *racingRouter) Chat(ctx context.Context, params *router.ChatParams) (*router.ChatResponse, error) {
	state, err := r.st.GetMemoryState(ctx, r.convID)
	if err != nil {
		r.t.Fatalf("racing read: %v", err)
	}
	ok, err := r.st.UpdateMemoryState(ctx, r.convID, map[string]any{
		"unobserved_token_count": state.UnobservedTokenCount,
	}, state.LockVersion)
	if err != nil || !ok {
		r.t.Fatalf("racing bump: ok=%v err=%v", ok, err)
	}
	return r.fakeRouter.Chat(ctx, params)
}

func TestObserve_CASLossAbortsCleanly(t *testing.T) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	convID := seed(t, st, "a message")

	rt := &racingRouter{fakeRouter: fakeRouter{reply: "- summary"}, st: st, convID: convID, t: t}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(st, rt, logger, nil)

	if err := o.Observe(ctx, convID); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	// The pass lost the race: the cursor must not have advanced.
	state, _ := st.GetMemoryState(ctx, convID)
	if state.ObservedCursorMessageID != "" {
		t.Errorf("cursor = %q, want unset after CAS loss", state.ObservedCursorMessageID)
	}
	if state.LastObserverRun != nil {
		t.Error("lastObserverRun set despite CAS loss")
	}

	// And no rows either: the losing pass rolls back its observation and
	// its appended log version along with the state update.
	log, err := st.LatestObservationLog(ctx, convID)
	if err != nil {
		t.Fatalf("LatestObservationLog: %v", err)
	}
	if log != nil {
		t.Errorf("CAS loss left observation log v%d %q behind", log.Version, log.Text)
	}
	rows, err := st.SearchObservations(ctx, "summary", 10)
	if err != nil {
		t.Fatalf("SearchObservations: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("CAS loss left %d observation row(s) behind", len(rows))
	}
}

func TestReflect_CASLossAbortsCleanly(t *testing.T) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	convID := seed(t, st, "a message")

	longLog := strings.Repeat("- observation line\n", 50)
	if err := st.UpsertObservationLog(ctx, convID, 3, longLog, memory.EstimateTokens(longLog)); err != nil {
		t.Fatalf("UpsertObservationLog: %v", err)
	}

	rt := &racingRouter{fakeRouter: fakeRouter{reply: "- compressed"}, st: st, convID: convID, t: t}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(st, rt, logger, nil)

	if err := o.Reflect(ctx, convID); err != nil {
		t.Fatalf("Reflect: %v", err)
	}

	// The losing pass must not have replaced the active log.
	log, _ := st.LatestObservationLog(ctx, convID)
	if log == nil || log.Version != 3 {
		t.Fatalf("log = %+v, want untouched version 3", log)
	}
	if log.Text != longLog {
		t.Errorf("log text rewritten despite CAS loss")
	}
	state, _ := st.GetMemoryState(ctx, convID)
	if state.LastReflectorRun != nil {
		t.Error("lastReflectorRun set despite CAS loss")
	}
}

func TestObserve_ModelFailureSurfaced(t *testing.T) {
	rt := &fakeRouter{err: errors.New("model down")}
	o, st := newObserver(t, rt)
	convID := seed(t, st, "a message")

	if err := o.Observe(context.Background(), convID); err == nil {
		t.Error("expected error from model failure")
	}
}

func TestReflect_CompressesLogAndResetsCounter(t *testing.T) {
	rt := &fakeRouter{reply: "- compressed: trip planning to Lisbon"}
	o, st := newObserver(t, rt)
	ctx := context.Background()
	convID := seed(t, st, "a message")

	longLog := strings.Repeat("- observation line\n", 50)
	if err := st.UpsertObservationLog(ctx, convID, 3, longLog, memory.EstimateTokens(longLog)); err != nil {
		t.Fatalf("UpsertObservationLog: %v", err)
	}

	if err := o.Reflect(ctx, convID); err != nil {
		t.Fatalf("Reflect: %v", err)
	}

	log, _ := st.LatestObservationLog(ctx, convID)
	if log.Version != 4 {
		t.Errorf("version = %d, want 4", log.Version)
	}
	if !strings.Contains(log.Text, "compressed") {
		t.Errorf("log text = %q", log.Text)
	}

	state, _ := st.GetMemoryState(ctx, convID)
	want := memory.EstimateTokens(rt.reply)
	if state.ObservationTokenCount != want {
		t.Errorf("observation tokens = %d, want %d (reset to compressed size)", state.ObservationTokenCount, want)
	}
	if state.LastReflectorRun == nil {
		t.Error("lastReflectorRun not set")
	}
}

func TestReflect_NoLogIsNoop(t *testing.T) {
	rt := &fakeRouter{reply: "- anything"}
	o, st := newObserver(t, rt)
	convID := seed(t, st, "a message")

	if err := o.Reflect(context.Background(), convID); err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(rt.calls) != 0 {
		t.Errorf("router calls = %d, want 0", len(rt.calls))
	}
}
