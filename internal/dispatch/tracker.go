package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/bakerst/bakerst/internal/bus"
	"github.com/bakerst/bakerst/internal/observability"
	"github.com/bakerst/bakerst/internal/store"
)

// statusSubscriber is the slice of the bus client the tracker uses.
type statusSubscriber interface {
	Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error)
}

// StatusTracker folds worker status events into job rows. Demotions of
// terminal jobs are dropped by the store's monotonic update.
type StatusTracker struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *observability.Metrics

	sub *nats.Subscription
}

// NewStatusTracker creates a StatusTracker.
func NewStatusTracker(st *store.Store, logger *slog.Logger, metrics *observability.Metrics) *StatusTracker {
	return &StatusTracker{store: st, logger: logger, metrics: metrics}
}

// Start subscribes to the per-job status subjects.
func (t *StatusTracker) Start(b statusSubscriber) error {
	sub, err := b.Subscribe(bus.SubjectJobStatusAll, func(_ string, data []byte) {
		t.HandleStatus(context.Background(), data)
	})
	if err != nil {
		return err
	}
	t.sub = sub
	return nil
}

// Stop unsubscribes.
func (t *StatusTracker) Stop() {
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			t.logger.Warn("status unsubscribe failed", "error", err)
		}
	}
}

// HandleStatus applies one status event to its job row.
func (t *StatusTracker) HandleStatus(ctx context.Context, data []byte) {
	var status bus.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.logger.Warn("undecodable job status dropped", "error", err)
		return
	}
	if status.JobID == "" || status.Status == "" {
		t.logger.Warn("job status missing jobId or status")
		return
	}

	changed, err := t.store.ApplyJobStatus(ctx, status.JobID, store.JobStatusUpdate{
		Status:     status.Status,
		WorkerID:   status.WorkerID,
		Result:     status.Result,
		Error:      status.Error,
		DurationMs: status.DurationMs,
	})
	if err != nil {
		t.logger.Warn("job status update failed", "job_id", status.JobID, "status", status.Status, "error", err)
		return
	}
	if !changed {
		t.logger.Debug("job status dropped", "job_id", status.JobID, "status", status.Status)
		return
	}
	if t.metrics != nil {
		t.metrics.JobStatus.WithLabelValues(status.Status).Inc()
	}
}
