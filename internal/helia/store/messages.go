package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one durably persisted turn fragment.
type ChatMessage struct {
	ID        string
	ChatID    string
	Role      string
	Content   string
	ImageURL  sql.NullString
	Timestamp time.Time
}

// AddMessage persists one message and returns it. imageURL may be empty.
func (s *Store) AddMessage(ctx context.Context, chatID, role, content, imageURL string) (*ChatMessage, error) {
	msg := &ChatMessage{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	if imageURL != "" {
		msg.ImageURL = sql.NullString{String: imageURL, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, role, content, image_url, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, msg.Role, msg.Content, msg.ImageURL, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}
	return msg, nil
}

// GetMessages returns the full message log for a chat, oldest first.
func (s *Store) GetMessages(ctx context.Context, chatID string) ([]*ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, image_url, timestamp
		FROM chat_messages
		WHERE chat_id = ?
		ORDER BY timestamp ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return collectMessages(rows)
}

// GetRecentMessages returns the most recent limit messages for a chat, in
// original (oldest-first) order. This is the memory cache's loader source.
func (s *Store) GetRecentMessages(ctx context.Context, chatID string, limit int) ([]*ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, image_url, timestamp FROM (
			SELECT id, chat_id, role, content, image_url, timestamp
			FROM chat_messages
			WHERE chat_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*ChatMessage, error) {
	defer rows.Close()

	var msgs []*ChatMessage
	for rows.Next() {
		m := &ChatMessage{}
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.ImageURL, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
