package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bakerst/bakerst/internal/bus"
	"github.com/bakerst/bakerst/internal/store"
)

// transferBus is the slice of the bus client the transfer handler uses.
type transferBus interface {
	PublishJSON(subject string, payload any) error
	Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error)
	Flush() error
}

// Transfer runs the version handoff between an outgoing active brain and an
// incoming pending one.
type Transfer struct {
	machine *Machine
	store   *store.Store
	bus     transferBus
	logger  *slog.Logger

	// FreshStartTimeout is how long a pending brain waits for an active one
	// before self-activating.
	FreshStartTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight turns during handoff.
	DrainTimeout time.Duration

	now func() time.Time

	mu         sync.Mutex
	subs       []*nats.Subscription
	freshTimer *time.Timer
	handingOff bool
}

// NewTransfer creates the transfer handler for the machine's current role.
func NewTransfer(m *Machine, st *store.Store, b transferBus, logger *slog.Logger, drainTimeout time.Duration) *Transfer {
	if drainTimeout <= 0 {
		drainTimeout = 60 * time.Second
	}
	return &Transfer{
		machine:           m,
		store:             st,
		bus:               b,
		logger:            logger,
		FreshStartTimeout: 120 * time.Second,
		DrainTimeout:      drainTimeout,
		now:               time.Now,
	}
}

// Start wires the subscriptions for the machine's startup role.
func (t *Transfer) Start(ctx context.Context) error {
	switch t.machine.State() {
	case StatePending:
		return t.startPending()
	case StateActive:
		return t.startActive(ctx)
	default:
		return fmt.Errorf("cannot start transfer handler in state %s", t.machine.State())
	}
}

// Stop drops the subscriptions and cancels the fresh-start timer.
func (t *Transfer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freshTimer != nil {
		t.freshTimer.Stop()
		t.freshTimer = nil
	}
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Warn("transfer unsubscribe failed", "error", err)
		}
	}
	t.subs = nil
}

// startPending announces this brain and waits for clear, abort, or the
// fresh-start timeout.
func (t *Transfer) startPending() error {
	clearSub, err := t.bus.Subscribe(bus.SubjectTransferClear, t.onClear)
	if err != nil {
		return err
	}
	abortSub, err := t.bus.Subscribe(bus.SubjectTransferAbort, t.onAbort)
	if err != nil {
		clearSub.Unsubscribe()
		return err
	}

	t.mu.Lock()
	t.subs = append(t.subs, clearSub, abortSub)
	t.freshTimer = time.AfterFunc(t.FreshStartTimeout, t.onFreshStartTimeout)
	t.mu.Unlock()

	if err := t.bus.PublishJSON(bus.SubjectTransferReady, &bus.TransferReady{Version: t.machine.Version()}); err != nil {
		return fmt.Errorf("failed to announce readiness: %w", err)
	}
	t.logger.Info("transfer ready announced", "version", t.machine.Version())
	return nil
}

func (t *Transfer) onClear(_ string, data []byte) {
	var clear bus.TransferClear
	if err := json.Unmarshal(data, &clear); err != nil {
		t.logger.Warn("undecodable transfer clear", "error", err)
		return
	}
	t.cancelFreshTimer()

	if clear.NoteID != "" {
		note, err := t.store.GetHandoffNote(context.Background(), clear.NoteID)
		if err != nil {
			t.logger.Warn("handoff note unavailable", "note_id", clear.NoteID, "error", err)
		} else {
			t.logger.Info("handoff note received",
				"note_id", note.ID, "from_version", note.FromVersion,
				"active_conversations", note.ActiveConversations)
		}
	}

	if err := t.machine.Transition(StateActive); err != nil {
		t.logger.Error("activation after clear failed", "error", err)
		return
	}
	t.logger.Info("brain activated by transfer clear", "to_version", clear.ToVersion)
}

func (t *Transfer) onAbort(_ string, data []byte) {
	var abort bus.TransferAbort
	if err := json.Unmarshal(data, &abort); err != nil {
		t.logger.Warn("undecodable transfer abort", "error", err)
		return
	}
	t.cancelFreshTimer()
	t.logger.Warn("transfer aborted by outgoing brain, staying pending", "reason", abort.Reason)
}

// onFreshStartTimeout activates a pending brain that never heard from an
// active one.
func (t *Transfer) onFreshStartTimeout() {
	if t.machine.State() != StatePending {
		return
	}
	t.logger.Info("no active brain responded, fresh start")
	if err := t.machine.Transition(StateActive); err != nil {
		t.logger.Error("fresh-start activation failed", "error", err)
	}
}

func (t *Transfer) cancelFreshTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freshTimer != nil {
		t.freshTimer.Stop()
		t.freshTimer = nil
	}
}

// startActive waits for an incoming brain's ready announcement.
func (t *Transfer) startActive(ctx context.Context) error {
	sub, err := t.bus.Subscribe(bus.SubjectTransferReady, func(_ string, data []byte) {
		var ready bus.TransferReady
		if err := json.Unmarshal(data, &ready); err != nil {
			t.logger.Warn("undecodable transfer ready", "error", err)
			return
		}
		t.HandOff(ctx, ready.Version)
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return nil
}

// HandOff drains this brain, writes the handoff note, and clears the
// incoming version. A failure before the clear publishes an abort and
// returns the brain to active.
func (t *Transfer) HandOff(ctx context.Context, toVersion string) {
	t.mu.Lock()
	if t.handingOff {
		t.mu.Unlock()
		return
	}
	t.handingOff = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.handingOff = false
		t.mu.Unlock()
	}()

	t.logger.Info("transfer requested", "to_version", toVersion)
	if err := t.machine.Transition(StateDraining); err != nil {
		t.logger.Error("cannot start draining", "error", err)
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, t.DrainTimeout)
	remaining := t.machine.WaitForDrain(drainCtx)
	cancel()
	if remaining > 0 {
		t.logger.Warn("drain deadline reached with turns in flight", "remaining", remaining)
	}

	note, err := t.writeHandoffNote(ctx, toVersion)
	if err != nil {
		t.abort(fmt.Sprintf("handoff note failed: %v", err))
		return
	}

	if err := t.bus.PublishJSON(bus.SubjectTransferClear, &bus.TransferClear{
		NoteID:    note.ID,
		ToVersion: toVersion,
	}); err != nil {
		t.abort(fmt.Sprintf("clear publish failed: %v", err))
		return
	}
	if err := t.bus.Flush(); err != nil {
		t.logger.Warn("bus flush after clear failed", "error", err)
	}

	if err := t.machine.Transition(StateShutdown); err != nil {
		t.logger.Error("shutdown transition failed", "error", err)
	}
}

func (t *Transfer) abort(reason string) {
	t.logger.Error("transfer failed, aborting", "reason", reason)
	if err := t.bus.PublishJSON(bus.SubjectTransferAbort, &bus.TransferAbort{Reason: reason}); err != nil {
		t.logger.Error("abort publish failed", "error", err)
	}
	if err := t.machine.Transition(StateActive); err != nil {
		t.logger.Error("return to active failed", "error", err)
	}
}

// writeHandoffNote records everything the incoming brain needs to resume:
// recently updated conversations and the enabled schedules.
func (t *Transfer) writeHandoffNote(ctx context.Context, toVersion string) (*store.HandoffNote, error) {
	cutoff := t.now().Add(-24 * time.Hour).UTC().Format(time.RFC3339Nano)
	conversations, err := t.store.ConversationsUpdatedSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	schedules, err := t.store.EnabledSchedules(ctx)
	if err != nil {
		return nil, err
	}

	scheduleIDs := make([]string, 0, len(schedules))
	for _, sched := range schedules {
		scheduleIDs = append(scheduleIDs, sched.ID)
	}

	convJSON, _ := json.Marshal(conversations)
	schedJSON, _ := json.Marshal(scheduleIDs)

	note := &store.HandoffNote{
		FromVersion:         t.machine.Version(),
		ToVersion:           toVersion,
		ActiveConversations: string(convJSON),
		PendingSchedules:    string(schedJSON),
	}
	if err := t.store.CreateHandoffNote(ctx, note); err != nil {
		return nil, err
	}
	return note, nil
}
