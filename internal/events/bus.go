// Package events provides the change-notification half of the chat store: row insert and
// update events fanned out to subscribers filtered by session.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"studio.dev/livechat/internal/models"
)

// Kind names the row change an event describes.
type Kind string

const (
	KindMessageInserted Kind = "message.inserted"
	KindSessionUpdated  Kind = "session.updated"
)

// Event is a single row change. Exactly one of Message or Session is set, matching Kind.
type Event struct {
	Kind      Kind
	SessionID string
	Message   *models.ChatMessage
	Session   *models.ChatSession
}

// MessageInserted builds the event for a newly stored message.
func MessageInserted(msg models.ChatMessage) Event {
	return Event{Kind: KindMessageInserted, SessionID: msg.SessionID, Message: &msg}
}

// SessionUpdated builds the event for a created or changed session row.
func SessionUpdated(sess models.ChatSession) Event {
	return Event{Kind: KindSessionUpdated, SessionID: sess.ID, Session: &sess}
}

// Handler is invoked for every event that matches a subscription.
type Handler func(Event)

// Filter selects events. Zero values match everything.
type Filter struct {
	Kinds     []Kind
	SessionID string
}

// Matches returns true if the event passes the filter.
func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 {
		matched := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	return true
}

// Publisher is what the store needs to announce committed changes.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Subscriber registers interest in events. A handler can still be running,
// or be entered for an event already in dispatch, after Unsubscribe returns;
// callers that need a hard stop must gate their handler themselves.
type Subscriber interface {
	Subscribe(filter Filter, handler Handler) (string, error)
	Unsubscribe(id string) error
}

type subscription struct {
	filter  Filter
	handler Handler
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Publish hands the event to every matching handler. Handlers run on the caller's
// goroutine, outside the lock, so they must not block.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(ev) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribe registers handler and returns the subscription id.
func (b *Bus) Subscribe(filter Filter, handler Handler) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = &subscription{filter: filter, handler: handler}
	b.mu.Unlock()
	return id, nil
}

// Unsubscribe removes a subscription. Events already being dispatched may still reach the handler.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(b.subs, id)
	return nil
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]*subscription)
}

var (
	ErrNilHandler           = &BusError{Message: "handler cannot be nil"}
	ErrSubscriptionNotFound = &BusError{Message: "subscription not found"}
)

// BusError represents an error from bus operations.
type BusError struct {
	Message string
}

func (e *BusError) Error() string {
	return e.Message
}
