package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// CreateJob inserts a job row with status dispatched. Re-inserting an
// existing jobId is a no-op, matching the bus's at-least-once delivery.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	now := s.now()
	if job.Status == "" {
		job.Status = JobDispatched
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (job_id, type, source, input, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Type, job.Source, job.Input, job.Status,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, type, source, input, status, worker_id, result, error, duration_ms, created_at, updated_at
		FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// JobFilter narrows ListJobs. Zero values mean no filter.
type JobFilter struct {
	Status string
	Type   string
	Source string
	Limit  int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}

	query := `SELECT job_id, type, source, input, status, worker_id, result, error, duration_ms, created_at, updated_at FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobStatusUpdate is one status event applied to a job row.
type JobStatusUpdate struct {
	Status     string
	WorkerID   string
	Result     string
	Error      string
	DurationMs int64
}

// ApplyJobStatus updates a job row, enforcing monotonic status: an update
// that would demote the current status (in particular, any update to a
// terminal job) is silently dropped. Returns true if the row changed.
func (s *Store) ApplyJobStatus(ctx context.Context, jobID string, update JobStatusUpdate) (bool, error) {
	newRank, ok := statusRank[update.Status]
	if !ok {
		return false, brainerrors.Validationf("unknown job status %q", update.Status)
	}

	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if IsTerminalStatus(current.Status) || statusRank[current.Status] >= newRank {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, worker_id = ?, result = ?, error = ?, duration_ms = ?, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		update.Status, update.WorkerID, update.Result, update.Error, update.DurationMs,
		formatTime(s.now()), jobID, current.Status)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var job Job
	var createdAt, updatedAt string
	err := row.Scan(&job.JobID, &job.Type, &job.Source, &job.Input, &job.Status,
		&job.WorkerID, &job.Result, &job.Error, &job.DurationMs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job: %w", brainerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}
