// Package chatview keeps the client-side state of one open conversation: the
// merged message timeline, its push subscription and optimistic sends. The
// visitor widget and the admin console both build on it.
package chatview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/models"
)

// Backend is the part of the chat backend a conversation needs.
type Backend interface {
	FetchHistory(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	Subscribe(ctx context.Context, sessionID string, h core.Handlers) (core.SubscriptionHandle, error)
	AppendMessage(ctx context.Context, sessionID string, role models.SenderRole, name, body string) (models.ChatMessage, error)
	MarkRead(ctx context.Context, sessionID string, viewer models.SenderRole) (int64, error)
}

// Hooks are called without any conversation lock held.
type Hooks struct {
	// OnMessage sees every pushed message of the attached session; isNew is
	// false for duplicates already in the timeline.
	OnMessage func(m models.ChatMessage, isNew bool)
	OnSession func(s models.ChatSession)
	// OnChange fires after any visible change.
	OnChange func()
}

// ProvisionalPrefix marks ids of messages not yet acknowledged by the store.
const ProvisionalPrefix = "local-"

var ErrNotAttached = errors.New("no chat session open")

type Conversation struct {
	backend Backend
	viewer  models.SenderRole
	hooks   Hooks
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
	log     zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	session  *models.ChatSession
	timeline *core.Timeline
	sub      core.SubscriptionHandle
	stale    bool
	viewing  bool
}

func New(backend Backend, viewer models.SenderRole, hooks Hooks) *Conversation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conversation{
		backend:  backend,
		viewer:   viewer,
		hooks:    hooks,
		ctx:      ctx,
		cancel:   cancel,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.Component("chatview").With().Str("viewer", string(viewer)).Logger(),
		timeline: core.NewTimeline(),
	}
}

func (c *Conversation) changed() {
	if c.hooks.OnChange != nil {
		c.hooks.OnChange()
	}
}

// Attach switches the conversation to sess. The previous subscription is
// released before the new one is opened.
func (c *Conversation) Attach(ctx context.Context, sess models.ChatSession) error {
	c.mu.Lock()
	old := c.sub
	c.sub = nil
	c.gen++
	gen := c.gen
	c.session = &sess
	c.timeline.Reset()
	c.stale = false
	c.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	c.changed()
	return c.load(ctx, gen, sess.ID)
}

// load subscribes first and fetches history second, so a message stored in
// between arrives through at least one of them; the timeline drops the duplicate.
func (c *Conversation) load(ctx context.Context, gen uint64, sessionID string) error {
	sub, subErr := c.backend.Subscribe(c.ctx, sessionID, c.handlers(gen))
	history, histErr := c.backend.FetchHistory(ctx, sessionID)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil
	}
	var extra core.SubscriptionHandle
	if subErr == nil {
		if c.sub == nil {
			c.sub = sub
		} else {
			extra = sub
		}
	}
	c.stale = c.sub == nil
	if histErr == nil {
		c.timeline.Merge(history)
	}
	viewing := c.viewing
	c.mu.Unlock()

	if extra != nil {
		extra.Unsubscribe()
	}
	c.changed()
	if subErr != nil {
		c.log.Warn().Err(subErr).Str("session_id", sessionID).Msg("subscription failed, view may be stale")
	}
	if histErr != nil {
		return histErr
	}
	if viewing {
		if _, err := c.backend.MarkRead(ctx, sessionID, c.viewer); err != nil {
			return err
		}
	}
	return subErr
}

func (c *Conversation) handlers(gen uint64) core.Handlers {
	return core.Handlers{
		OnMessage: func(m models.ChatMessage) {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			isNew := c.timeline.Upsert(m)
			markRead := isNew && c.viewing && m.SenderRole != c.viewer
			c.mu.Unlock()

			if c.hooks.OnMessage != nil {
				c.hooks.OnMessage(m, isNew)
			}
			if markRead {
				go c.markRead(m.SessionID)
			}
			c.changed()
		},
		OnSessionChange: func(s models.ChatSession) {
			c.mu.Lock()
			if gen != c.gen || (c.session != nil && !s.Supersedes(*c.session)) {
				c.mu.Unlock()
				return
			}
			c.session = &s
			c.mu.Unlock()

			if c.hooks.OnSession != nil {
				c.hooks.OnSession(s)
			}
			c.changed()
		},
		OnError: func(err error) {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			dead := c.sub
			c.sub = nil
			c.stale = true
			sessionID := c.session.ID
			c.mu.Unlock()

			c.log.Warn().Err(err).Str("session_id", sessionID).Msg("subscription lost, resubscribing")
			c.changed()
			// Unsubscribe of the dead handle must not run inside its own callback.
			go func() {
				if dead != nil {
					dead.Unsubscribe()
				}
				c.resubscribe(gen, sessionID)
			}()
		},
	}
}

func (c *Conversation) resubscribe(gen uint64, sessionID string) {
	if c.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()
	if err := c.load(ctx, gen, sessionID); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("resubscribe failed, manual refresh needed")
	}
}

func (c *Conversation) markRead(sessionID string) {
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()
	if _, err := c.backend.MarkRead(ctx, sessionID, c.viewer); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("mark read failed")
	}
}

// Refresh refetches history and, when the subscription was lost, subscribes again.
func (c *Conversation) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	sessionID := c.session.ID
	subscribed := c.sub != nil
	c.mu.Unlock()

	if !subscribed {
		return c.load(ctx, gen, sessionID)
	}
	history, err := c.backend.FetchHistory(ctx, sessionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if gen == c.gen {
		c.timeline.Merge(history)
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

// SetViewing records whether the user is looking at the conversation. Turning
// it on marks the other side's messages read.
func (c *Conversation) SetViewing(ctx context.Context, viewing bool) error {
	c.mu.Lock()
	c.viewing = viewing
	var sessionID string
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.mu.Unlock()

	if !viewing || sessionID == "" {
		return nil
	}
	_, err := c.backend.MarkRead(ctx, sessionID, c.viewer)
	return err
}

// Send shows the message right away and replaces it with the stored copy once
// the backend accepts it. On failure the provisional message is removed.
// Blank input is ignored.
func (c *Conversation) Send(ctx context.Context, name, text string) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, nil
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return models.ChatMessage{}, ErrNotAttached
	}
	if c.session.IsClosed() {
		c.mu.Unlock()
		return models.ChatMessage{}, core.ErrSessionClosed
	}
	gen := c.gen
	provisional := models.ChatMessage{
		ID:         ProvisionalPrefix + uuid.NewString(),
		SessionID:  c.session.ID,
		SenderRole: c.viewer,
		SenderName: name,
		Body:       text,
		CreatedAt:  c.now(),
	}
	c.timeline.Upsert(provisional)
	c.mu.Unlock()
	c.changed()

	stored, err := c.backend.AppendMessage(ctx, provisional.SessionID, c.viewer, name, text)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return stored, err
	}
	if err != nil {
		c.timeline.Remove(provisional.ID)
		if errors.Is(err, core.ErrSessionClosed) {
			closed := *c.session
			closed.Status = models.StatusClosed
			c.session = &closed
		}
	} else {
		c.timeline.Replace(provisional.ID, stored)
	}
	c.mu.Unlock()
	c.changed()
	return stored, err
}

func (c *Conversation) Session() (models.ChatSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return models.ChatSession{}, false
	}
	return *c.session, true
}

// SetSession replaces the cached session row if it is the attached one and
// not older than the cached row.
func (c *Conversation) SetSession(s models.ChatSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.ID == s.ID && s.Supersedes(*c.session) {
		c.session = &s
	}
}

func (c *Conversation) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.Messages()
}

// Stale reports that pushes are not arriving and the view may lag the store.
func (c *Conversation) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Detach releases the subscription and forgets the session.
func (c *Conversation) Detach() {
	c.mu.Lock()
	old := c.sub
	c.sub = nil
	c.gen++
	c.session = nil
	c.timeline.Reset()
	c.stale = false
	c.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	c.changed()
}

// Close detaches and stops background work.
func (c *Conversation) Close() {
	c.cancel()
	c.Detach()
}
