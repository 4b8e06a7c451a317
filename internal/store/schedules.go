package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// maxScheduleOutputBytes bounds persisted last_output.
const maxScheduleOutputBytes = 1024

// scheduleColumns is the allowlist for dynamic SET clauses in
// UpdateScheduleRow.
var scheduleColumns = map[string]bool{
	"name":        true,
	"schedule":    true,
	"type":        true,
	"config":      true,
	"enabled":     true,
	"last_run_at": true,
	"last_status": true,
	"last_output": true,
}

// CreateSchedule inserts a schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.Name == "" || len(sched.Name) > 200 {
		return brainerrors.Validationf("schedule name must be 1-200 characters")
	}
	if sched.Schedule == "" {
		return brainerrors.Validationf("schedule cron expression is required")
	}
	switch sched.Type {
	case JobTypeAgent, JobTypeCommand, JobTypeHTTP:
	default:
		return brainerrors.Validationf("invalid schedule type %q", sched.Type)
	}

	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	now := s.now()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	config, err := json.Marshal(orEmptyMap(sched.Config))
	if err != nil {
		return fmt.Errorf("failed to marshal schedule config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, schedule, type, config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Schedule, sched.Type, string(config),
		boolToInt(sched.Enabled), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+" WHERE id = ?", id)
	return scanSchedule(row)
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// EnabledSchedules returns schedules with enabled = true.
func (s *Store) EnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+" WHERE enabled = 1 ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// UpdateScheduleRow applies a partial update. Keys must pass the column
// allowlist. last_output values are truncated to 1024 bytes.
func (s *Store) UpdateScheduleRow(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return brainerrors.Validationf("no schedule updates supplied")
	}

	keys := make([]string, 0, len(updates))
	for key := range updates {
		if !scheduleColumns[key] {
			return brainerrors.Validationf("column %q is not updatable", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+2)
	for _, key := range keys {
		value := updates[key]
		if key == "last_output" {
			if text, ok := value.(string); ok {
				value = TruncateOutput(text)
			}
		}
		sets = append(sets, key+" = ?")
		args = append(args, value)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(s.now()), id)

	query := "UPDATE schedules SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule: %w", brainerrors.ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes a schedule row.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule: %w", brainerrors.ErrNotFound)
	}
	return nil
}

// RecordScheduleRun persists the outcome of one schedule fire.
func (s *Store) RecordScheduleRun(ctx context.Context, id, status, output string) error {
	return s.UpdateScheduleRow(ctx, id, map[string]any{
		"last_run_at": formatTime(s.now()),
		"last_status": status,
		"last_output": output,
	})
}

// TruncateOutput caps schedule output at 1024 bytes.
func TruncateOutput(text string) string {
	if len(text) <= maxScheduleOutputBytes {
		return text
	}
	return text[:maxScheduleOutputBytes]
}

const scheduleSelect = `
	SELECT id, name, schedule, type, config, enabled, last_run_at, last_status, last_output,
	       created_at, updated_at
	FROM schedules`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sched Schedule
	var enabled int
	var config, createdAt, updatedAt string
	var lastRunAt sql.NullString
	err := row.Scan(&sched.ID, &sched.Name, &sched.Schedule, &sched.Type, &config, &enabled,
		&lastRunAt, &sched.LastStatus, &sched.LastOutput, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule: %w", brainerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	sched.Enabled = enabled != 0
	sched.LastRunAt = parseNullTime(lastRunAt)
	sched.CreatedAt = parseTime(createdAt)
	sched.UpdatedAt = parseTime(updatedAt)
	if config != "" {
		_ = json.Unmarshal([]byte(config), &sched.Config)
	}
	return &sched, nil
}
