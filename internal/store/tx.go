package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/models"
)

// Tx is a write transaction. Every session it mutates is re-read before commit
// and announced as a session.updated event; inserted messages are announced as
// message.inserted events, in insertion order.
type Tx struct {
	tx       *sql.Tx
	messages []events.Event
	touched  []string
}

func (t *Tx) touch(sessionID string) {
	for _, id := range t.touched {
		if id == sessionID {
			return
		}
	}
	t.touched = append(t.touched, sessionID)
}

// UpsertVisitor records the visitor, refreshing name and email if it already exists.
func (t *Tx) UpsertVisitor(ctx context.Context, v models.Visitor) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO visitors (id, name, email, created_at) VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		v.ID, v.Name, v.Email, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert visitor: %w", err)
	}
	return nil
}

// CreateSession inserts an active session for the visitor snapshot.
func (t *Tx) CreateSession(ctx context.Context, visitor models.Visitor, at time.Time) (*models.ChatSession, error) {
	sess := &models.ChatSession{
		ID:           uuid.NewString(),
		VisitorID:    visitor.ID,
		VisitorName:  visitor.Name,
		VisitorEmail: visitor.Email,
		Status:       models.StatusActive,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO chat_sessions (id, visitor_id, visitor_name, visitor_email, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.VisitorID, sess.VisitorName, sess.VisitorEmail, sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute session insert: %w", err)
	}
	t.touch(sess.ID)
	return sess, nil
}

func (t *Tx) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	return getSession(ctx, t.tx, id)
}

// InsertMessage stores msg and fills in its id and sequence number.
func (t *Tx) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	msg.ID = uuid.NewString()
	res, err := t.tx.ExecContext(ctx, `
        INSERT INTO chat_messages (id, session_id, sender_role, sender_name, body, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SenderRole, msg.SenderName, msg.Body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message sequence: %w", err)
	}
	msg.Seq = seq
	t.messages = append(t.messages, events.MessageInserted(*msg))
	return nil
}

// TouchSession records message activity on the session summary.
func (t *Tx) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE chat_sessions SET last_message_at = ?, updated_at = ? WHERE id = ?", at, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	t.touch(id)
	return nil
}

// IncrementUnread adds one to the counter owned by side, in a single statement.
func (t *Tx) IncrementUnread(ctx context.Context, sessionID string, side models.SenderRole) error {
	column, err := unreadColumn(side)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, "UPDATE chat_sessions SET "+column+" = "+column+" + 1 WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	t.touch(sessionID)
	return nil
}

// ResetUnread sets the counter owned by side to zero.
func (t *Tx) ResetUnread(ctx context.Context, sessionID string, side models.SenderRole) error {
	column, err := unreadColumn(side)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, "UPDATE chat_sessions SET "+column+" = 0 WHERE id = ? AND "+column+" <> 0", sessionID)
	if err != nil {
		return fmt.Errorf("failed to reset %s: %w", column, err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		t.touch(sessionID)
	}
	return nil
}

// MarkMessagesRead stamps read_at on every unread message written by author.
// It returns how many messages changed.
func (t *Tx) MarkMessagesRead(ctx context.Context, sessionID string, author models.SenderRole, at time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE chat_messages SET read_at = ? WHERE session_id = ? AND sender_role = ? AND read_at IS NULL",
		at, sessionID, author)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CloseSession moves an active session to closed. It returns nil when the
// session does not exist; an already closed session is returned untouched.
func (t *Tx) CloseSession(ctx context.Context, id string, at time.Time) (*models.ChatSession, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE chat_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		models.StatusClosed, at, id, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		t.touch(id)
	}
	return t.GetSession(ctx, id)
}

func unreadColumn(side models.SenderRole) (string, error) {
	switch side {
	case models.RoleAdmin:
		return "unread_count_for_admin", nil
	case models.RoleVisitor:
		return "unread_count_for_visitor", nil
	default:
		return "", fmt.Errorf("unknown unread side %q", side)
	}
}
