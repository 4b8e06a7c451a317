package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// CreateHandoffNote appends a handoff note. Notes are never updated or
// deleted.
func (s *Store) CreateHandoffNote(ctx context.Context, note *HandoffNote) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	note.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handoff_notes (id, from_version, to_version, active_conversations, pending_schedules, agent_notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.FromVersion, note.ToVersion, note.ActiveConversations,
		note.PendingSchedules, note.AgentNotes, formatTime(note.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create handoff note: %w", err)
	}
	return nil
}

// GetHandoffNote fetches a handoff note by id.
func (s *Store) GetHandoffNote(ctx context.Context, id string) (*HandoffNote, error) {
	var note HandoffNote
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_version, to_version, active_conversations, pending_schedules, agent_notes, created_at
		FROM handoff_notes WHERE id = ?`, id).
		Scan(&note.ID, &note.FromVersion, &note.ToVersion, &note.ActiveConversations,
			&note.PendingSchedules, &note.AgentNotes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("handoff note: %w", brainerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handoff note: %w", err)
	}
	note.CreatedAt = parseTime(createdAt)
	return &note, nil
}

// LatestHandoffNote returns the most recent handoff note, or nil when none
// exists.
func (s *Store) LatestHandoffNote(ctx context.Context) (*HandoffNote, error) {
	var note HandoffNote
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_version, to_version, active_conversations, pending_schedules, agent_notes, created_at
		FROM handoff_notes ORDER BY created_at DESC LIMIT 1`).
		Scan(&note.ID, &note.FromVersion, &note.ToVersion, &note.ActiveConversations,
			&note.PendingSchedules, &note.AgentNotes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest handoff note: %w", err)
	}
	note.CreatedAt = parseTime(createdAt)
	return &note, nil
}
