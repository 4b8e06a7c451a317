package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// CreateConversation inserts a conversation row and its memory-state row.
func (s *Store) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	now := s.now()
	conv := &Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_state (conversation_id) VALUES (?)`, conv.ID); err != nil {
		return nil, fmt.Errorf("failed to create memory state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return conv, nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation: %w", brainerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return &conv, nil
}

// ListConversations returns conversations most recently updated first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&conv.ID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.CreatedAt = parseTime(createdAt)
		conv.UpdatedAt = parseTime(updatedAt)
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// ConversationsUpdatedSince returns ids of conversations touched after cutoff,
// used when writing a handoff note.
func (s *Store) ConversationsUpdatedSince(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM conversations WHERE updated_at >= ? ORDER BY updated_at DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query active conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMessage atomically inserts a message, touches the conversation's
// updated_at, and bumps the unobserved token counter by estimatedTokens.
func (s *Store) AddMessage(ctx context.Context, conversationID, role, content string, estimatedTokens int) (*Message, error) {
	now := s.now()
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, formatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(now), conversationID); err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_state SET unobserved_token_count = unobserved_token_count + ?
		WHERE conversation_id = ?`, estimatedTokens, conversationID); err != nil {
		return nil, fmt.Errorf("failed to bump unobserved tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return msg, nil
}

// GetMessages returns all messages in a conversation ordered by creation.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// MessagesAfter returns messages strictly after the cursor message, falling
// back to the full history when the cursor is empty or unknown.
func (s *Store) MessagesAfter(ctx context.Context, conversationID, cursorMessageID string) ([]*Message, error) {
	all, err := s.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if cursorMessageID == "" {
		return all, nil
	}
	for i, msg := range all {
		if msg.ID == cursorMessageID {
			return all[i+1:], nil
		}
	}
	return all, nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}
