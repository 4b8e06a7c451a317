// Package scheduler turns persisted schedule rows into cron tickers that
// dispatch jobs onto the bus.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/plugins"
	"github.com/bakerst/bakerst/internal/store"
)

// cronParser supports both standard (5-field) and extended (6-field with
// seconds) cron expressions, plus @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Scheduler maps schedule rows onto active cron entries. All mutations go
// through the store first; the in-memory entry map mirrors enabled rows.
type Scheduler struct {
	store      *store.Store
	dispatcher plugins.JobDispatcher
	logger     *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a Scheduler. Call Start to load persisted schedules and begin
// ticking.
func New(st *store.Store, dispatcher plugins.JobDispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      st,
		dispatcher: dispatcher,
		logger:     logger,
		cron:       cron.New(cron.WithParser(cronParser)),
		entries:    make(map[string]cron.EntryID),
	}
}

// Start loads all schedule rows, registers tickers for the enabled ones, and
// starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if err := s.register(sched); err != nil {
			s.logger.Warn("skipping unregisterable schedule", "schedule_id", sched.ID, "error", err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "active_schedules", len(s.entries))
	return nil
}

// Stop halts the cron runner and waits for in-flight fires.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// List returns all schedule rows.
func (s *Scheduler) List(ctx context.Context) ([]*store.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Get returns one schedule row.
func (s *Scheduler) Get(ctx context.Context, id string) (*store.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// Create validates the cron expression, persists the row, and registers a
// ticker when enabled.
func (s *Scheduler) Create(ctx context.Context, sched *store.Schedule) (*store.Schedule, error) {
	if _, err := cronParser.Parse(sched.Schedule); err != nil {
		return nil, brainerrors.Validationf("invalid cron expression %q: %v", sched.Schedule, err)
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	if sched.Enabled {
		if err := s.register(sched); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Update is a partial update. A nil pointer leaves the field unchanged. The
// ticker is re-registered to reflect the new row.
type Update struct {
	Name     *string
	Schedule *string
	Type     *string
	Config   map[string]string
	Enabled  *bool
}

// Update applies a partial update and reconciles the ticker.
func (s *Scheduler) Update(ctx context.Context, id string, update Update) (*store.Schedule, error) {
	updates := map[string]any{}
	if update.Name != nil {
		updates["name"] = *update.Name
	}
	if update.Schedule != nil {
		if _, err := cronParser.Parse(*update.Schedule); err != nil {
			return nil, brainerrors.Validationf("invalid cron expression %q: %v", *update.Schedule, err)
		}
		updates["schedule"] = *update.Schedule
	}
	if update.Type != nil {
		switch *update.Type {
		case store.JobTypeAgent, store.JobTypeCommand, store.JobTypeHTTP:
		default:
			return nil, brainerrors.Validationf("invalid schedule type %q", *update.Type)
		}
		updates["type"] = *update.Type
	}
	if update.Config != nil {
		config, err := json.Marshal(update.Config)
		if err != nil {
			return nil, brainerrors.Validationf("invalid schedule config: %v", err)
		}
		updates["config"] = string(config)
	}
	if update.Enabled != nil {
		updates["enabled"] = boolToInt(*update.Enabled)
	}

	if err := s.store.UpdateScheduleRow(ctx, id, updates); err != nil {
		return nil, err
	}

	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	s.unregister(id)
	if sched.Enabled {
		if err := s.register(sched); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Delete removes the row and its ticker.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.unregister(id)
	return nil
}

// Trigger fires a schedule once, immediately, and returns the job id.
func (s *Scheduler) Trigger(ctx context.Context, id string) (string, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return "", err
	}
	return s.fire(ctx, sched)
}

func (s *Scheduler) register(sched *store.Schedule) error {
	// The fire reloads the row so edits between ticks take effect.
	scheduleID := sched.ID
	entryID, err := s.cron.AddFunc(sched.Schedule, func() {
		ctx := context.Background()
		current, err := s.store.GetSchedule(ctx, scheduleID)
		if err != nil {
			s.logger.Warn("scheduled fire for missing row", "schedule_id", scheduleID, "error", err)
			return
		}
		if _, err := s.fire(ctx, current); err != nil {
			s.logger.Warn("schedule fire failed", "schedule_id", scheduleID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register schedule %s: %w", sched.ID, err)
	}

	s.mu.Lock()
	s.entries[sched.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
}

// fire dispatches one job for the schedule and records the outcome on the
// row. Output is truncated by the store.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule) (string, error) {
	jobID, err := s.dispatcher.DispatchJob(ctx, dispatchRequest(sched))
	if err != nil {
		if rerr := s.store.RecordScheduleRun(ctx, sched.ID, "error", err.Error()); rerr != nil {
			s.logger.Warn("failed to record schedule error", "schedule_id", sched.ID, "error", rerr)
		}
		return "", err
	}

	if err := s.store.RecordScheduleRun(ctx, sched.ID, store.JobDispatched, "dispatched job "+jobID); err != nil {
		s.logger.Warn("failed to record schedule run", "schedule_id", sched.ID, "error", err)
	}
	s.logger.Info("schedule fired", "schedule_id", sched.ID, "job_id", jobID)
	return jobID, nil
}

// dispatchRequest maps a schedule row onto a job dispatch.
func dispatchRequest(sched *store.Schedule) *plugins.DispatchRequest {
	return &plugins.DispatchRequest{
		Type:    sched.Type,
		Source:  "schedule:" + sched.ID,
		Job:     sched.Config["job"],
		Command: sched.Config["command"],
		URL:     sched.Config["url"],
		Method:  sched.Config["method"],
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
