package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/models"
	"studio.dev/livechat/internal/store"
)

// DefaultSubscribeBuffer is the per-subscription queue length.
const DefaultSubscribeBuffer = 256

// Handlers receive pushed changes for one subscription. Nil callbacks are skipped.
type Handlers struct {
	OnMessage       func(models.ChatMessage)
	OnSessionChange func(models.ChatSession)
	// OnError is called at most once, with ErrSubscription, when the handle
	// stops receiving events. The handle is dead afterwards; subscribe again.
	OnError func(error)
}

// SubscriptionHandle releases a push subscription. Unsubscribe is idempotent and
// once it returns no callback of this handle runs again. It must not be called
// from inside one of the handle's own callbacks.
type SubscriptionHandle interface {
	Unsubscribe()
}

// Channel reads and appends messages and hands out push subscriptions.
type Channel struct {
	store   Store
	bus     events.Subscriber
	tracker *Tracker
	buffer  int
	now     func() time.Time
	log     zerolog.Logger
}

// FetchHistory returns every message of the session in store order.
func (c *Channel) FetchHistory(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, wrapStoreErr("fetch history", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	msgs, err := c.store.ListMessages(ctx, sessionID, 0, 0)
	return msgs, wrapStoreErr("fetch history", err)
}

// AppendMessage stores a message on an active session, bumps the recipient's
// unread counter and the session timestamps, all in one transaction.
func (c *Channel) AppendMessage(ctx context.Context, sessionID string, role models.SenderRole, name, body string) (models.ChatMessage, error) {
	if !role.Valid() {
		return models.ChatMessage{}, ErrInvalidRole
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return models.ChatMessage{}, ErrEmptyBody
	}
	name = strings.TrimSpace(name)

	now := c.now()
	msg := models.ChatMessage{SessionID: sessionID, SenderRole: role, SenderName: name, Body: body, CreatedAt: now}
	err := c.store.InTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrSessionNotFound
		}
		if sess.IsClosed() {
			return ErrSessionClosed
		}
		if msg.SenderName == "" {
			if role == models.RoleAdmin {
				msg.SenderName = AdminDisplayName
			} else {
				msg.SenderName = sess.VisitorName
			}
		}
		if err := tx.InsertMessage(ctx, &msg); err != nil {
			return err
		}
		if err := tx.TouchSession(ctx, sessionID, now); err != nil {
			return err
		}
		return c.tracker.OnMessageAppended(ctx, tx, sessionID, role)
	})
	if err != nil {
		return models.ChatMessage{}, wrapStoreErr("append message", err)
	}
	c.log.Debug().Str("session_id", sessionID).Str("role", string(role)).Int64("seq", msg.Seq).Msg("message appended")
	return msg, nil
}

// Subscribe pushes new messages and status changes of one session. The handle
// is released when ctx is done or Unsubscribe is called.
func (c *Channel) Subscribe(ctx context.Context, sessionID string, h Handlers) (SubscriptionHandle, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, wrapStoreErr("subscribe", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return c.subscribe(ctx, events.Filter{SessionID: sessionID}, h)
}

// SubscribeSessionList pushes every session change, for the admin console.
func (c *Channel) SubscribeSessionList(ctx context.Context, onSession func(models.ChatSession), onError func(error)) (SubscriptionHandle, error) {
	filter := events.Filter{Kinds: []events.Kind{events.KindSessionUpdated}}
	return c.subscribe(ctx, filter, Handlers{OnSessionChange: onSession, OnError: onError})
}

func (c *Channel) subscribe(ctx context.Context, filter events.Filter, h Handlers) (SubscriptionHandle, error) {
	size := c.buffer
	if size <= 0 {
		size = DefaultSubscribeBuffer
	}
	sub := &subscription{
		bus:      c.bus,
		handlers: h,
		queue:    make(chan events.Event, size),
		stop:     make(chan struct{}),
		lost:     make(chan struct{}),
		log:      c.log,
	}
	id, err := c.bus.Subscribe(filter, sub.enqueue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubscription, err)
	}
	sub.busID = id

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.stop:
		}
	}()
	return sub, nil
}

type subscription struct {
	bus      events.Subscriber
	busID    string
	handlers Handlers
	queue    chan events.Event
	stop     chan struct{}
	lost     chan struct{}
	log      zerolog.Logger

	// held for the duration of each callback; Unsubscribe takes it to wait out
	// an in-flight delivery
	mu         sync.Mutex
	closed     atomic.Bool
	detachOnce sync.Once
	lostOnce   sync.Once
}

// enqueue runs on the publisher's goroutine and never blocks it.
func (s *subscription) enqueue(ev events.Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.log.Warn().Str("subscription", s.busID).Msg("subscriber too slow, dropping subscription")
		s.detach()
		s.lostOnce.Do(func() { close(s.lost) })
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.lost:
			s.dispatch(func() {
				if s.handlers.OnError != nil {
					s.handlers.OnError(ErrSubscription)
				}
			})
			return
		case ev := <-s.queue:
			s.dispatch(func() { s.deliver(ev) })
		}
	}
}

func (s *subscription) dispatch(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	fn()
}

func (s *subscription) deliver(ev events.Event) {
	switch ev.Kind {
	case events.KindMessageInserted:
		if ev.Message != nil && s.handlers.OnMessage != nil {
			s.handlers.OnMessage(*ev.Message)
		}
	case events.KindSessionUpdated:
		if ev.Session != nil && s.handlers.OnSessionChange != nil {
			s.handlers.OnSessionChange(*ev.Session)
		}
	}
}

func (s *subscription) detach() {
	s.detachOnce.Do(func() {
		if err := s.bus.Unsubscribe(s.busID); err != nil {
			s.log.Debug().Err(err).Str("subscription", s.busID).Msg("bus unsubscribe")
		}
	})
}

func (s *subscription) Unsubscribe() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.stop)
	s.detach()
	s.mu.Lock()
	s.mu.Unlock() //nolint:staticcheck // waits for the callback in flight
}
