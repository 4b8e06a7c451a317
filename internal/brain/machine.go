// Package brain owns the lifecycle of one brain instance: the state machine
// gating request admission, the version-transfer handshake, and the
// heartbeat beacon.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bakerst/bakerst/internal/observability"
)

// Brain states.
const (
	StatePending  = "pending"
	StateActive   = "active"
	StateDraining = "draining"
	StateShutdown = "shutdown"
)

// legalTransitions lists the allowed state edges. draining -> active is the
// transfer abort path.
var legalTransitions = map[string][]string{
	StatePending:  {StateActive},
	StateActive:   {StateDraining},
	StateDraining: {StateShutdown, StateActive},
}

// Machine is the brain's admission gate. Requests are accepted only while
// active; health endpoints stay green through draining.
type Machine struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	version string

	mu       sync.Mutex
	state    string
	inflight int
	started  time.Time

	// shutdownCh closes on the transition to shutdown, triggering the
	// server's graceful exit.
	shutdownCh chan struct{}
}

// NewMachine creates a Machine in the given startup role.
func NewMachine(role, version string, logger *slog.Logger, metrics *observability.Metrics) *Machine {
	m := &Machine{
		logger:     logger,
		metrics:    metrics,
		version:    version,
		state:      role,
		started:    time.Now(),
		shutdownCh: make(chan struct{}),
	}
	if metrics != nil {
		metrics.SetBrainState(role)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Version returns the running brain version.
func (m *Machine) Version() string { return m.version }

// Uptime returns how long the machine has existed.
func (m *Machine) Uptime() time.Duration { return time.Since(m.started) }

// IsReady reports whether health checks should pass.
func (m *Machine) IsReady() bool {
	s := m.State()
	return s == StateActive || s == StateDraining
}

// IsAcceptingRequests reports whether non-health traffic is admitted.
func (m *Machine) IsAcceptingRequests() bool {
	return m.State() == StateActive
}

// ShutdownCh closes when the machine reaches shutdown.
func (m *Machine) ShutdownCh() <-chan struct{} { return m.shutdownCh }

// Transition moves to a new state, enforcing the legal edges.
func (m *Machine) Transition(to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := false
	for _, next := range legalTransitions[m.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("illegal brain transition %s -> %s", m.state, to)
	}

	m.logger.Info("brain state transition", "from", m.state, "to", to)
	m.state = to
	if m.metrics != nil {
		m.metrics.SetBrainState(to)
	}
	if to == StateShutdown {
		close(m.shutdownCh)
	}
	return nil
}

// BeginTurn admits one agent turn. Returns false when the brain is not
// accepting requests.
func (m *Machine) BeginTurn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return false
	}
	m.inflight++
	return true
}

// EndTurn releases one admitted turn.
func (m *Machine) EndTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight > 0 {
		m.inflight--
	}
}

// InFlight returns the number of admitted turns still running.
func (m *Machine) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}

// WaitForDrain blocks until no turns are in flight or ctx expires. Returns
// the number of turns still running.
func (m *Machine) WaitForDrain(ctx context.Context) int {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n := m.InFlight(); n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return m.InFlight()
		case <-ticker.C:
		}
	}
}
