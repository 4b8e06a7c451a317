package brain

import (
	"testing"
	"time"

	"github.com/bakerst/bakerst/internal/bus"
)

func TestMonitor_TracksFabricPeers(t *testing.T) {
	b := newFakeBus()
	m := NewMonitor(b, discardLogger())
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	b.deliver(t, bus.SubjectExtensionHeartbeats, bus.Heartbeat{ID: "ext-clock", Uptime: 5})
	b.deliver(t, bus.SubjectCompanions, map[string]string{"kind": "announce"})

	seen, ok := m.LastSeen("ext-clock")
	if !ok || !seen.Equal(at) {
		t.Errorf("LastSeen(ext-clock) = %v, %v", seen, ok)
	}
	// Payloads without an id are tracked by subject.
	if _, ok := m.LastSeen(bus.SubjectCompanions); !ok {
		t.Errorf("companion announcement not tracked")
	}
	if got := m.Sources(); len(got) != 2 {
		t.Errorf("Sources() = %v", got)
	}
}
