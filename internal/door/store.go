// Package door is the per-sender ingress policy at the channel gateway:
// who may talk to the brain, and how a new sender pairs.
package door

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Sender statuses.
const (
	SenderPending  = "pending"
	SenderApproved = "approved"
	SenderBlocked  = "blocked"
)

// Store is the gateway-side database, separate from the brain's main store.
type Store struct {
	db   *sql.DB
	now  func() time.Time
	rand io.Reader
}

// OpenStore opens (or creates) the gateway database at path. Use ":memory:"
// for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now, rand: rand.Reader}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS senders (
		platform   TEXT NOT NULL,
		sender_id  TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (platform, sender_id)
	);
	CREATE TABLE IF NOT EXISTS pairing_codes (
		code       TEXT PRIMARY KEY,
		platform   TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to ensure gateway schema: %w", err)
	}
	return nil
}

// SenderStatus returns the sender's status, or "" when unknown.
func (s *Store) SenderStatus(ctx context.Context, platform, senderID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM senders WHERE platform = ? AND sender_id = ?`,
		platform, senderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sender: %w", err)
	}
	return status, nil
}

// SetSenderStatus upserts a sender row.
func (s *Store) SetSenderStatus(ctx context.Context, platform, senderID, status string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO senders (platform, sender_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, sender_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		platform, senderID, status, now, now)
	if err != nil {
		return fmt.Errorf("failed to set sender status: %w", err)
	}
	return nil
}

// ApprovedSenderCount counts approved senders on a platform.
func (s *Store) ApprovedSenderCount(ctx context.Context, platform string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM senders WHERE platform = ? AND status = ?`,
		platform, SenderApproved).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count approved senders: %w", err)
	}
	return n, nil
}

// purgeExpiredCodes drops codes whose TTL has lapsed.
func (s *Store) purgeExpiredCodes(ctx context.Context) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pairing_codes WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("failed to purge expired codes: %w", err)
	}
	return nil
}

// activeCodeCount counts unexpired pairing codes.
func (s *Store) activeCodeCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pairing_codes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pairing codes: %w", err)
	}
	return n, nil
}

// insertCode stores a pairing code with its TTL and optional platform
// restriction.
func (s *Store) insertCode(ctx context.Context, code, platform string, expiresAt time.Time) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_codes (code, platform, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		code, platform, expiresAt.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return fmt.Errorf("failed to store pairing code: %w", err)
	}
	return nil
}

// lookupCode returns a code's platform restriction, or ok=false when the
// code does not exist.
func (s *Store) lookupCode(ctx context.Context, code string) (platform string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT platform FROM pairing_codes WHERE code = ?`, code).Scan(&platform)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up pairing code: %w", err)
	}
	return platform, true, nil
}

// deleteCode removes a consumed pairing code.
func (s *Store) deleteCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pairing_codes WHERE code = ?`, code); err != nil {
		return fmt.Errorf("failed to delete pairing code: %w", err)
	}
	return nil
}
