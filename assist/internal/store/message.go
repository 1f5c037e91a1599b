package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Conversation is one chat session with a user.
type Conversation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	StartedAt     time.Time `json:"started_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	State         string    `json:"state"`
}

// Message is one turn in a conversation. ProductsJSON carries the carousel
// rendered with an assistant turn, for consistency checks on later turns.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ProductsJSON   string    `json:"products_json,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ActiveConversation returns the user's most recent conversation when it is
// still within the reuse windows, or creates a fresh one. A conversation is
// reusable while the last message is younger than idle AND the conversation
// itself is younger than hardCap.
func (s *Store) ActiveConversation(ctx context.Context, userID string, idle, hardCap time.Duration) (*Conversation, error) {
	now := time.Now()
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, started_at, last_message_at, state
		FROM conversations WHERE user_id = ?
		ORDER BY last_message_at DESC LIMIT 1`, userID)

	var c Conversation
	var started, last int64
	err := row.Scan(&c.ID, &c.UserID, &started, &last, &c.State)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.createConversation(ctx, userID, now)
	case err != nil:
		return nil, err
	}
	c.StartedAt = time.Unix(started, 0)
	c.LastMessageAt = time.Unix(last, 0)

	if now.Sub(c.LastMessageAt) > idle || now.Sub(c.StartedAt) > hardCap {
		return s.createConversation(ctx, userID, now)
	}
	return &c, nil
}

func (s *Store) createConversation(ctx context.Context, userID string, now time.Time) (*Conversation, error) {
	c := &Conversation{
		ID:            "conv_" + s.newID(),
		UserID:        userID,
		StartedAt:     now,
		LastMessageAt: now,
		State:         "{}",
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, started_at, last_message_at, state)
		VALUES (?,?,?,?,?)`,
		c.ID, c.UserID, c.StartedAt.Unix(), c.LastMessageAt.Unix(), c.State)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AppendMessage persists one turn and bumps the conversation timestamp.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = "msg_" + s.newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, products_json, created_at)
		VALUES (?,?,?,?,?,?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.ProductsJSON, m.CreatedAt.Unix()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = ? WHERE id = ?`,
		m.CreatedAt.Unix(), m.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecentMessages returns the last n messages of a conversation in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, products_json, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ProductsJSON, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
