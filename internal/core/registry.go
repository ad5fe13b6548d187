package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/models"
	"studio.dev/livechat/internal/store"
)

// AdminDisplayName is the sender name used for operator messages.
const AdminDisplayName = "Admin"

// Store is the durable half of the chat backend.
type Store interface {
	InTx(ctx context.Context, fn func(*store.Tx) error) error
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	ListSessionsByVisitor(ctx context.Context, visitorID string) ([]models.ChatSession, error)
	ListSessions(ctx context.Context, status models.SessionStatus) ([]models.ChatSession, error)
	ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.ChatMessage, error)
}

// Registry creates, lists and closes chat sessions.
type Registry struct {
	store    Store
	tracker  *Tracker
	greeting string
	now      func() time.Time
	log      zerolog.Logger
}

// ListSessions returns a visitor's sessions, most recently updated first.
func (r *Registry) ListSessions(ctx context.Context, visitorID string) ([]models.ChatSession, error) {
	if strings.TrimSpace(visitorID) == "" {
		return nil, ErrIdentityMissing
	}
	sessions, err := r.store.ListSessionsByVisitor(ctx, visitorID)
	return sessions, wrapStoreErr("list sessions", err)
}

// ListAllSessions returns every session for the console, optionally filtered by status.
func (r *Registry) ListAllSessions(ctx context.Context, status models.SessionStatus) ([]models.ChatSession, error) {
	sessions, err := r.store.ListSessions(ctx, status)
	return sessions, wrapStoreErr("list all sessions", err)
}

// GetSession returns one session or ErrSessionNotFound.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (models.ChatSession, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.ChatSession{}, wrapStoreErr("get session", err)
	}
	if sess == nil {
		return models.ChatSession{}, ErrSessionNotFound
	}
	return *sess, nil
}

// StartSession opens a new active session for the visitor and posts the greeting.
func (r *Registry) StartSession(ctx context.Context, visitorID, name, email string) (models.ChatSession, error) {
	visitorID = strings.TrimSpace(visitorID)
	name = strings.TrimSpace(name)
	if visitorID == "" || name == "" {
		return models.ChatSession{}, ErrIdentityMissing
	}

	now := r.now()
	visitor := models.Visitor{ID: visitorID, Name: name, Email: strings.TrimSpace(email), CreatedAt: now}

	var created models.ChatSession
	err := r.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertVisitor(ctx, visitor); err != nil {
			return err
		}
		sess, err := tx.CreateSession(ctx, visitor, now)
		if err != nil {
			return err
		}
		created = *sess

		if r.greeting == "" {
			return nil
		}
		greeting := &models.ChatMessage{
			SessionID:  sess.ID,
			SenderRole: models.RoleAdmin,
			SenderName: AdminDisplayName,
			Body:       r.greeting,
			CreatedAt:  now,
		}
		if err := tx.InsertMessage(ctx, greeting); err != nil {
			return err
		}
		if err := tx.TouchSession(ctx, sess.ID, now); err != nil {
			return err
		}
		return r.tracker.OnMessageAppended(ctx, tx, sess.ID, models.RoleAdmin)
	})
	if err != nil {
		return models.ChatSession{}, wrapStoreErr("start session", err)
	}

	r.log.Info().Str("session_id", created.ID).Str("visitor_id", visitorID).Msg("chat session started")
	return r.GetSession(ctx, created.ID)
}

// CloseSession moves a session to closed. Closing a closed session is a no-op.
func (r *Registry) CloseSession(ctx context.Context, sessionID string) (models.ChatSession, error) {
	var closed *models.ChatSession
	err := r.store.InTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.CloseSession(ctx, sessionID, r.now())
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrSessionNotFound
		}
		closed = sess
		return nil
	})
	if err != nil {
		return models.ChatSession{}, wrapStoreErr("close session", err)
	}
	r.log.Info().Str("session_id", sessionID).Msg("chat session closed")
	return *closed, nil
}

// SelectActiveOrLatest prefers the most recently updated active session, then the
// most recently updated session of any status.
func SelectActiveOrLatest(sessions []models.ChatSession) (models.ChatSession, bool) {
	var best *models.ChatSession
	for i := range sessions {
		s := &sessions[i]
		if s.Status != models.StatusActive {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best != nil {
		return *best, true
	}
	for i := range sessions {
		s := &sessions[i]
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return models.ChatSession{}, false
	}
	return *best, true
}

// PartitionSessions splits sessions into active and closed, each sorted by
// updated_at descending.
func PartitionSessions(sessions []models.ChatSession) (active, closed []models.ChatSession) {
	for _, s := range sessions {
		if s.IsClosed() {
			closed = append(closed, s)
		} else {
			active = append(active, s)
		}
	}
	byRecent := func(list []models.ChatSession) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	}
	byRecent(active)
	byRecent(closed)
	return active, closed
}
