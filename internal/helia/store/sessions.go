package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// maxSessionNameLen bounds session names; longer names are truncated with
// an ellipsis rather than rejected.
const maxSessionNameLen = 35

// ChatSession is a durable, user-owned conversation thread.
type ChatSession struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func normalizeSessionName(name string) string {
	if name == "" {
		return "New Chat"
	}
	// Truncate on runes so a multi-byte character is never split.
	runes := []rune(name)
	if len(runes) > maxSessionNameLen {
		return string(runes[:maxSessionNameLen]) + "..."
	}
	return name
}

// GetChatSession retrieves a session by ID. Returns ErrNotFound when the
// session does not exist.
func (s *Store) GetChatSession(ctx context.Context, chatID string) (*ChatSession, error) {
	cs := &ChatSession{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, created_at, updated_at
		FROM chat_sessions WHERE id = ?
	`, chatID).Scan(&cs.ID, &cs.UserID, &cs.Name, &cs.CreatedAt, &cs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return cs, nil
}

// GetOrCreateSession returns the existing session (bumping updated_at) or
// creates a new one owned by userID. Session creation is lazy: the chat
// endpoint calls this with a client-generated chat ID on the first turn.
func (s *Store) GetOrCreateSession(ctx context.Context, userID, chatID, name string) (*ChatSession, error) {
	existing, err := s.GetChatSession(ctx, chatID)
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, time.Now(), chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to bump chat session: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	cs := &ChatSession{
		ID:        chatID,
		UserID:    userID,
		Name:      normalizeSessionName(name),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, cs.ID, cs.UserID, cs.Name, cs.CreatedAt, cs.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat session: %w", err)
	}
	return cs, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]*ChatSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, created_at, updated_at
		FROM chat_sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		cs := &ChatSession{}
		if err := rows.Scan(&cs.ID, &cs.UserID, &cs.Name, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		sessions = append(sessions, cs)
	}
	return sessions, rows.Err()
}

// RenameSession updates a session's display name.
func (s *Store) RenameSession(ctx context.Context, chatID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET name = ?, updated_at = ? WHERE id = ?`,
		normalizeSessionName(name), time.Now(), chatID)
	if err != nil {
		return fmt.Errorf("failed to rename chat session: %w", err)
	}
	return requireRow(res)
}

// DeleteChatSession removes the session. Messages cascade via the foreign
// key; evicting the conversation's cache entry is the caller's job.
func (s *Store) DeleteChatSession(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	return requireRow(res)
}
