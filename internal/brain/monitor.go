package brain

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bakerst/bakerst/internal/bus"
)

type monitorBus interface {
	Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error)
}

// Monitor watches the fabric liveness subjects: extension heartbeats and
// companion announcements. It keeps last-seen times in memory; extensions
// and companions live outside this process, so observation is all the brain
// owes them.
type Monitor struct {
	bus    monitorBus
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
	subs []*nats.Subscription
}

// NewMonitor creates a Monitor.
func NewMonitor(b monitorBus, logger *slog.Logger) *Monitor {
	return &Monitor{
		bus:    b,
		logger: logger,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Start subscribes to the liveness subjects.
func (m *Monitor) Start() error {
	for _, subject := range []string{bus.SubjectExtensionHeartbeats, bus.SubjectCompanions} {
		sub, err := m.bus.Subscribe(subject, m.handle)
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

// Stop drops the subscriptions.
func (m *Monitor) Stop() {
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Debug("monitor unsubscribe failed", "error", err)
		}
	}
	m.subs = nil
}

func (m *Monitor) handle(subject string, data []byte) {
	// Heartbeat-shaped payloads identify themselves; anything else is
	// tracked by its subject.
	source := subject
	var beat bus.Heartbeat
	if err := json.Unmarshal(data, &beat); err == nil && beat.ID != "" {
		source = beat.ID
	}

	m.mu.Lock()
	m.seen[source] = m.now()
	m.mu.Unlock()
	m.logger.Debug("fabric peer seen", "source", source, "subject", subject)
}

// LastSeen returns when a source last announced itself.
func (m *Monitor) LastSeen(source string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[source]
	return at, ok
}

// Sources returns the known sources, sorted.
func (m *Monitor) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.seen))
	for source := range m.seen {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}
