package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/models"
	"studio.dev/livechat/internal/store"
)

// CounterWriter is the atomic counter primitive of the store.
type CounterWriter interface {
	IncrementUnread(ctx context.Context, sessionID string, side models.SenderRole) error
}

// Tracker owns the per-side unread counters and read receipts.
type Tracker struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// OnMessageAppended bumps the recipient's counter. It must run in the same
// transaction as the insert it accounts for.
func (t *Tracker) OnMessageAppended(ctx context.Context, w CounterWriter, sessionID string, sender models.SenderRole) error {
	if !sender.Valid() {
		return ErrInvalidRole
	}
	return w.IncrementUnread(ctx, sessionID, sender.Other())
}

// MarkRead stamps read_at on the other side's unread messages and zeroes the
// viewer's counter. It returns how many messages were newly marked.
func (t *Tracker) MarkRead(ctx context.Context, sessionID string, viewer models.SenderRole) (int64, error) {
	if !viewer.Valid() {
		return 0, ErrInvalidRole
	}
	var marked int64
	err := t.store.InTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrSessionNotFound
		}
		marked, err = tx.MarkMessagesRead(ctx, sessionID, viewer.Other(), t.now())
		if err != nil {
			return err
		}
		return tx.ResetUnread(ctx, sessionID, viewer)
	})
	if err != nil {
		return 0, wrapStoreErr("mark read", err)
	}
	if marked > 0 {
		t.log.Debug().Str("session_id", sessionID).Str("viewer", string(viewer)).Int64("marked", marked).Msg("messages marked read")
	}
	return marked, nil
}
