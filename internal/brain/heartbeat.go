package brain

import (
	"context"
	"log/slog"
	"time"

	"github.com/bakerst/bakerst/internal/bus"
)

// heartbeatBus is the slice of the bus client the publisher uses.
type heartbeatBus interface {
	PublishJSON(subject string, payload any) error
}

// Heartbeat publishes a periodic liveness beacon on the brain subject.
type Heartbeat struct {
	id      string
	bus     heartbeatBus
	machine *Machine
	logger  *slog.Logger

	// Interval between beacons. Zero means 30 seconds.
	Interval time.Duration

	now func() time.Time
}

// NewHeartbeat creates a heartbeat publisher.
func NewHeartbeat(id string, b heartbeatBus, m *Machine, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		id:       id,
		bus:      b,
		machine:  m,
		logger:   logger,
		Interval: 30 * time.Second,
		now:      time.Now,
	}
}

// Run publishes until ctx is cancelled. One beat is sent immediately.
func (h *Heartbeat) Run(ctx context.Context) {
	interval := h.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	err := h.bus.PublishJSON(bus.SubjectBrainHeartbeat, &bus.Heartbeat{
		ID:        h.id,
		Uptime:    int64(h.machine.Uptime().Seconds()),
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Warn("heartbeat publish failed", "error", err)
	}
}
