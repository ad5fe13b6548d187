package core

import (
	"time"

	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/logging"
)

// DefaultGreeting is posted by the admin side into every new session.
const DefaultGreeting = "Hi! Thanks for reaching out. How can we help you today?"

type Options struct {
	Greeting        string
	SubscribeBuffer int
	Now             func() time.Time
}

// ChatService bundles the registry, the message channel and the unread tracker
// over one store and one bus.
type ChatService struct {
	*Registry
	*Channel
	*Tracker
}

func NewChatService(st Store, bus events.Subscriber, opts Options) *ChatService {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	log := logging.Component("core")

	tracker := &Tracker{store: st, now: now, log: log}
	return &ChatService{
		Registry: &Registry{store: st, tracker: tracker, greeting: opts.Greeting, now: now, log: log},
		Channel:  &Channel{store: st, bus: bus, tracker: tracker, buffer: opts.SubscribeBuffer, now: now, log: log},
		Tracker:  tracker,
	}
}
