package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// execer is satisfied by *sql.DB and *sql.Tx, letting the memory writes run
// standalone or inside a pass-commit transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// memoryStateColumns is the allowlist for dynamic SET clauses in
// UpdateMemoryState. Caller-supplied column names never reach the SQL text
// without passing this check.
var memoryStateColumns = map[string]bool{
	"observed_cursor_message_id": true,
	"unobserved_token_count":     true,
	"observation_token_count":    true,
	"last_observer_run":          true,
	"last_reflector_run":         true,
}

// GetMemoryState fetches the memory state for a conversation.
func (s *Store) GetMemoryState(ctx context.Context, conversationID string) (*MemoryState, error) {
	var ms MemoryState
	var observerRun, reflectorRun sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, observed_cursor_message_id, unobserved_token_count,
		       observation_token_count, last_observer_run, last_reflector_run, lock_version
		FROM memory_state WHERE conversation_id = ?`, conversationID).
		Scan(&ms.ConversationID, &ms.ObservedCursorMessageID, &ms.UnobservedTokenCount,
			&ms.ObservationTokenCount, &observerRun, &reflectorRun, &ms.LockVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory state: %w", brainerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory state: %w", err)
	}
	ms.LastObserverRun = parseNullTime(observerRun)
	ms.LastReflectorRun = parseNullTime(reflectorRun)
	return &ms, nil
}

// UpdateMemoryState applies updates iff the row's lock version still equals
// expectedLockVersion; a successful update increments it. Returns false when
// the CAS loses, with no side effects. Update keys must be in the column
// allowlist.
func (s *Store) UpdateMemoryState(ctx context.Context, conversationID string, updates map[string]any, expectedLockVersion int) (bool, error) {
	return updateMemoryState(ctx, s.db, conversationID, updates, expectedLockVersion)
}

func updateMemoryState(ctx context.Context, ex execer, conversationID string, updates map[string]any, expectedLockVersion int) (bool, error) {
	if len(updates) == 0 {
		return false, brainerrors.Validationf("no memory state updates supplied")
	}

	keys := make([]string, 0, len(updates))
	for key := range updates {
		if !memoryStateColumns[key] {
			return false, brainerrors.Validationf("column %q is not updatable", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+3)
	for _, key := range keys {
		sets = append(sets, key+" = ?")
		args = append(args, updates[key])
	}
	sets = append(sets, "lock_version = lock_version + 1")
	args = append(args, conversationID, expectedLockVersion)

	query := "UPDATE memory_state SET " + strings.Join(sets, ", ") +
		" WHERE conversation_id = ? AND lock_version = ?"

	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update memory state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddObservation appends an observation row.
func (s *Store) AddObservation(ctx context.Context, obs *Observation) error {
	return s.insertObservation(ctx, s.db, obs)
}

func (s *Store) insertObservation(ctx context.Context, ex execer, obs *Observation) error {
	if obs.ID == "" {
		obs.ID = uuid.New().String()
	}
	obs.CreatedAt = s.now()

	_, err := ex.ExecContext(ctx, `
		INSERT INTO observations (id, conversation_id, text, token_count, tags, source_message_from, source_message_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.ID, obs.ConversationID, obs.Text, obs.TokenCount, obs.Tags,
		obs.SourceMessageFrom, obs.SourceMessageTo, formatTime(obs.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to add observation: %w", err)
	}
	return nil
}

// UpsertObservationLog appends a new observation-log version. Versions are
// append-only; the highest version is the active log.
func (s *Store) UpsertObservationLog(ctx context.Context, conversationID string, version int, text string, tokenCount int) error {
	return s.upsertObservationLog(ctx, s.db, conversationID, version, text, tokenCount)
}

func (s *Store) upsertObservationLog(ctx context.Context, ex execer, conversationID string, version int, text string, tokenCount int) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO observation_log (conversation_id, version, text, token_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, version) DO UPDATE SET text = excluded.text, token_count = excluded.token_count`,
		conversationID, version, text, tokenCount, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to upsert observation log: %w", err)
	}
	return nil
}

// LatestObservationLog returns the active (highest-version) log for a
// conversation, or nil when none exists.
func (s *Store) LatestObservationLog(ctx context.Context, conversationID string) (*ObservationLog, error) {
	var log ObservationLog
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, version, text, token_count, created_at
		FROM observation_log WHERE conversation_id = ?
		ORDER BY version DESC LIMIT 1`, conversationID).
		Scan(&log.ConversationID, &log.Version, &log.Text, &log.TokenCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observation log: %w", err)
	}
	log.CreatedAt = parseTime(createdAt)
	return &log, nil
}

// SearchObservations performs a keyword search over observation text across
// all conversations, newest first.
func (s *Store) SearchObservations(ctx context.Context, query string, limit int) ([]*Observation, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ReplaceAll(strings.ReplaceAll(query, "%", "\\%"), "_", "\\_") + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, text, token_count, tags, source_message_from, source_message_to, created_at
		FROM observations WHERE text LIKE ? ESCAPE '\'
		ORDER BY created_at DESC LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search observations: %w", err)
	}
	defer rows.Close()

	var out []*Observation
	for rows.Next() {
		var obs Observation
		var createdAt string
		if err := rows.Scan(&obs.ID, &obs.ConversationID, &obs.Text, &obs.TokenCount,
			&obs.Tags, &obs.SourceMessageFrom, &obs.SourceMessageTo, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		obs.CreatedAt = parseTime(createdAt)
		out = append(out, &obs)
	}
	return out, rows.Err()
}

// AddReflection records an observation-log compression.
func (s *Store) AddReflection(ctx context.Context, conversationID string, replacedVersion int) error {
	return s.insertReflection(ctx, s.db, conversationID, replacedVersion)
}

func (s *Store) insertReflection(ctx context.Context, ex execer, conversationID string, replacedVersion int) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO reflections (id, conversation_id, replaced_version, created_at)
		VALUES (?, ?, ?, ?)`,
		uuid.New().String(), conversationID, replacedVersion, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to add reflection: %w", err)
	}
	return nil
}

// ObserverCommit carries everything a completed observer pass persists.
type ObserverCommit struct {
	Observation  *Observation
	LogVersion   int
	LogText      string
	LogTokens    int
	StateUpdates map[string]any
	LockVersion  int
}

// CommitObserverPass persists an observer pass atomically. The memory-state
// CAS runs first and gates the observation row and the new log version, so a
// lost race leaves no rows behind: the transaction rolls back and false is
// returned.
func (s *Store) CommitObserverPass(ctx context.Context, conversationID string, c *ObserverCommit) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	ok, err := updateMemoryState(ctx, tx, conversationID, c.StateUpdates, c.LockVersion)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.insertObservation(ctx, tx, c.Observation); err != nil {
		return false, err
	}
	if err := s.upsertObservationLog(ctx, tx, conversationID, c.LogVersion, c.LogText, c.LogTokens); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// ReflectorCommit carries everything a completed reflector pass persists.
type ReflectorCommit struct {
	ReplacedVersion int
	LogText         string
	LogTokens       int
	StateUpdates    map[string]any
	LockVersion     int
}

// CommitReflectorPass persists a reflector pass atomically, with the same
// CAS-gates-writes contract as CommitObserverPass.
func (s *Store) CommitReflectorPass(ctx context.Context, conversationID string, c *ReflectorCommit) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	ok, err := updateMemoryState(ctx, tx, conversationID, c.StateUpdates, c.LockVersion)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.insertReflection(ctx, tx, conversationID, c.ReplacedVersion); err != nil {
		return false, err
	}
	if err := s.upsertObservationLog(ctx, tx, conversationID, c.ReplacedVersion+1, c.LogText, c.LogTokens); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}
