// Package dispatch moves jobs from the brain to the worker pool: the
// Dispatcher persists and publishes, the Worker consumes and executes, and
// the StatusTracker folds status events back into the store.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/bus"
	"github.com/bakerst/bakerst/internal/observability"
	"github.com/bakerst/bakerst/internal/plugins"
	"github.com/bakerst/bakerst/internal/store"
)

// jobPublisher is the slice of the bus client the dispatcher uses.
type jobPublisher interface {
	PublishJob(ctx context.Context, dispatch *bus.JobDispatch) error
}

// Dispatcher persists a job row and publishes the dispatch to the bus. The
// row is written before the publish so a status event can never arrive for
// an unknown job.
type Dispatcher struct {
	store   *store.Store
	bus     jobPublisher
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st *store.Store, b jobPublisher, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   st,
		bus:     b,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Dispatch validates the request, persists the job, and publishes it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *plugins.DispatchRequest) (*bus.JobDispatch, error) {
	switch req.Type {
	case store.JobTypeCommand:
		if req.Command == "" {
			return nil, brainerrors.Validationf("command jobs require a command")
		}
	case store.JobTypeHTTP:
		if req.URL == "" {
			return nil, brainerrors.Validationf("http jobs require a url")
		}
	case store.JobTypeAgent:
		if req.Job == "" {
			return nil, brainerrors.Validationf("agent jobs require a job prompt")
		}
	default:
		return nil, brainerrors.Validationf("unknown job type %q", req.Type)
	}

	dispatch := &bus.JobDispatch{
		JobID:        d.newID(),
		Type:         req.Type,
		Source:       req.Source,
		Job:          req.Job,
		Command:      req.Command,
		URL:          req.URL,
		Method:       req.Method,
		Headers:      req.Headers,
		Vars:         req.Vars,
		TimeoutMs:    req.TimeoutMs,
		TraceContext: observability.InjectTraceContext(ctx),
		CreatedAt:    d.now().UTC(),
	}

	input, err := json.Marshal(dispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch: %w", err)
	}
	if err := d.store.CreateJob(ctx, &store.Job{
		JobID:  dispatch.JobID,
		Type:   dispatch.Type,
		Source: dispatch.Source,
		Input:  string(input),
	}); err != nil {
		return nil, err
	}

	if err := d.bus.PublishJob(ctx, dispatch); err != nil {
		return nil, fmt.Errorf("failed to publish job %s: %w", dispatch.JobID, err)
	}

	if d.metrics != nil {
		d.metrics.JobsDispatched.WithLabelValues(dispatch.Type).Inc()
	}
	d.logger.Info("job dispatched", "job_id", dispatch.JobID, "type", dispatch.Type, "source", dispatch.Source)
	return dispatch, nil
}

// DispatchJob implements the plugin-facing dispatcher contract, returning
// just the job id.
func (d *Dispatcher) DispatchJob(ctx context.Context, req *plugins.DispatchRequest) (string, error) {
	dispatch, err := d.Dispatch(ctx, req)
	if err != nil {
		return "", err
	}
	return dispatch.JobID, nil
}
