// Package widget is the headless visitor chat widget: identity, session
// selection, the open conversation and the local unread badge.
package widget

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/chatview"
	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/models"
)

// Backend is what the widget needs from the chat server.
type Backend interface {
	chatview.Backend
	ListSessions(ctx context.Context, visitorID string) ([]models.ChatSession, error)
	StartSession(ctx context.Context, visitorID, name, email string) (models.ChatSession, error)
}

// IdentitySource resolves the device-local visitor identity.
type IdentitySource interface {
	Current() *models.Visitor
	EnsureVisitorIdentity(ctx context.Context, form core.IdentityForm) (models.Visitor, error)
}

type State int

const (
	// StateStartForm asks for a name (and optional email) to open a new chat.
	StateStartForm State = iota
	StateChatting
	// StateClosed disables input and offers a new chat.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStartForm:
		return "start-form"
	case StateChatting:
		return "chatting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	noticeClosed      = "This chat was closed. Start a new one to keep talking."
	noticeUnavailable = "Chat is unavailable right now. Please try again."
	noticeStale       = "Connection lost. Messages may be out of date, refresh to catch up."
	noticeRateLimited = "You're sending messages too quickly."
)

// Snapshot is everything a renderer needs.
type Snapshot struct {
	State    State
	Visitor  *models.Visitor
	Session  *models.ChatSession
	Sessions []models.ChatSession
	Messages []models.ChatMessage
	Badge    int
	Focused  bool
	Stale    bool
	Notice   string
}

type Widget struct {
	backend  Backend
	identity IdentitySource
	conv     *chatview.Conversation
	onChange func()
	log      zerolog.Logger

	mu       sync.Mutex
	visitor  *models.Visitor
	sessions []models.ChatSession
	focused  bool
	badge    int
	notice   string
}

type Option func(*Widget)

// OnChange registers a callback fired after every visible change. It may run
// on any goroutine.
func OnChange(fn func()) Option {
	return func(w *Widget) { w.onChange = fn }
}

func New(backend Backend, identity IdentitySource, opts ...Option) *Widget {
	w := &Widget{
		backend:  backend,
		identity: identity,
		log:      logging.Component("widget"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.conv = chatview.New(backend, models.RoleVisitor, chatview.Hooks{
		OnMessage: w.onMessage,
		OnSession: w.onSession,
		OnChange:  w.changed,
	})
	return w
}

func (w *Widget) changed() {
	if w.onChange != nil {
		w.onChange()
	}
}

func (w *Widget) onMessage(m models.ChatMessage, isNew bool) {
	if !isNew || m.SenderRole != models.RoleAdmin {
		return
	}
	w.mu.Lock()
	if !w.focused {
		w.badge++
	}
	w.mu.Unlock()
}

func (w *Widget) onSession(s models.ChatSession) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.sessions {
		if w.sessions[i].ID == s.ID && s.Supersedes(w.sessions[i]) {
			w.sessions[i] = s
		}
	}
	if s.IsClosed() {
		w.notice = noticeClosed
	}
}

// Open loads the visitor's sessions and attaches to the active or latest one.
// Without a stored identity, or without sessions, the start form is shown.
func (w *Widget) Open(ctx context.Context) error {
	v := w.identity.Current()
	w.mu.Lock()
	w.visitor = v
	w.mu.Unlock()
	if v == nil {
		w.changed()
		return nil
	}

	sessions, err := w.backend.ListSessions(ctx, v.ID)
	if err != nil {
		w.fail(err)
		return err
	}
	w.mu.Lock()
	w.sessions = sessions
	w.mu.Unlock()

	sess, ok := core.SelectActiveOrLatest(sessions)
	if !ok {
		w.changed()
		return nil
	}
	return w.attach(ctx, sess)
}

// Start submits the start-chat form. The first submission also establishes the
// visitor identity.
func (w *Widget) Start(ctx context.Context, name, email string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.ErrIdentityMissing
	}

	w.mu.Lock()
	v := w.visitor
	w.mu.Unlock()
	if v == nil {
		ident, err := w.identity.EnsureVisitorIdentity(ctx, core.StaticForm(name, email))
		if err != nil {
			return err
		}
		v = &ident
		w.mu.Lock()
		w.visitor = v
		w.mu.Unlock()
	}

	sess, err := w.backend.StartSession(ctx, v.ID, name, email)
	if err != nil {
		w.fail(err)
		return err
	}
	w.mu.Lock()
	w.sessions = append([]models.ChatSession{sess}, w.sessions...)
	w.mu.Unlock()
	return w.attach(ctx, sess)
}

// StartNewChat opens a fresh session with the stored identity, typically after
// the current one was closed.
func (w *Widget) StartNewChat(ctx context.Context) error {
	w.mu.Lock()
	v := w.visitor
	w.mu.Unlock()
	if v == nil {
		return core.ErrIdentityMissing
	}
	return w.Start(ctx, v.Name, v.Email)
}

// SwitchSession shows another session from the visitor's history.
func (w *Widget) SwitchSession(ctx context.Context, sessionID string) error {
	w.mu.Lock()
	var target *models.ChatSession
	for i := range w.sessions {
		if w.sessions[i].ID == sessionID {
			s := w.sessions[i]
			target = &s
		}
	}
	w.mu.Unlock()
	if target == nil {
		return core.ErrSessionNotFound
	}
	return w.attach(ctx, *target)
}

func (w *Widget) attach(ctx context.Context, sess models.ChatSession) error {
	w.mu.Lock()
	w.badge = 0
	w.notice = ""
	if sess.IsClosed() {
		w.notice = noticeClosed
	}
	w.mu.Unlock()

	err := w.conv.Attach(ctx, sess)
	if err != nil {
		w.fail(err)
	}
	return err
}

// Send posts the visitor's message. Blank input is a no-op. On a closed
// session the widget switches to its closed state instead of surfacing an error.
func (w *Widget) Send(ctx context.Context, text string) error {
	w.mu.Lock()
	name := ""
	if w.visitor != nil {
		name = w.visitor.Name
	}
	w.mu.Unlock()

	_, err := w.conv.Send(ctx, name, text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrSessionClosed):
		if sess, ok := w.conv.Session(); ok {
			w.onSession(sess)
		}
		w.changed()
		return nil
	default:
		w.fail(err)
		return err
	}
}

// Focus marks the conversation read and clears the badge.
func (w *Widget) Focus(ctx context.Context) error {
	w.mu.Lock()
	w.focused = true
	w.badge = 0
	w.mu.Unlock()
	w.changed()

	if err := w.conv.SetViewing(ctx, true); err != nil {
		w.fail(err)
		return err
	}
	return nil
}

func (w *Widget) Blur() {
	w.mu.Lock()
	w.focused = false
	w.mu.Unlock()
	w.conv.SetViewing(context.Background(), false)
	w.changed()
}

// Refresh is the manual catch-up path: it reloads the session list and the
// open conversation and resubscribes if the push channel was lost.
func (w *Widget) Refresh(ctx context.Context) error {
	w.mu.Lock()
	v := w.visitor
	w.mu.Unlock()
	if v == nil {
		return nil
	}

	sessions, err := w.backend.ListSessions(ctx, v.ID)
	if err != nil {
		w.fail(err)
		return err
	}
	w.mu.Lock()
	w.sessions = sessions
	w.mu.Unlock()

	if cur, ok := w.conv.Session(); ok {
		for _, s := range sessions {
			if s.ID == cur.ID {
				w.conv.SetSession(s)
				if s.IsClosed() {
					w.setNotice(noticeClosed)
				}
			}
		}
	}

	if err := w.conv.Refresh(ctx); err != nil {
		w.fail(err)
		return err
	}
	w.mu.Lock()
	if w.notice == noticeStale || w.notice == noticeUnavailable {
		w.notice = ""
	}
	w.mu.Unlock()
	w.changed()
	return nil
}

func (w *Widget) DismissNotice() {
	w.setNotice("")
}

// Close releases the subscription. The widget can be opened again.
func (w *Widget) Close() {
	w.conv.Detach()
}

func (w *Widget) setNotice(n string) {
	w.mu.Lock()
	w.notice = n
	w.mu.Unlock()
	w.changed()
}

func (w *Widget) fail(err error) {
	switch {
	case errors.Is(err, core.ErrSessionClosed):
		w.setNotice(noticeClosed)
	case errors.Is(err, core.ErrSubscription):
		w.setNotice(noticeStale)
	case errors.Is(err, core.ErrRateLimited):
		w.setNotice(noticeRateLimited)
	default:
		w.log.Warn().Err(err).Msg("chat operation failed")
		w.setNotice(noticeUnavailable)
	}
}

func (w *Widget) View() Snapshot {
	sess, attached := w.conv.Session()
	msgs := w.conv.Messages()
	stale := w.conv.Stale()

	w.mu.Lock()
	defer w.mu.Unlock()
	snap := Snapshot{
		Sessions: append([]models.ChatSession(nil), w.sessions...),
		Messages: msgs,
		Badge:    w.badge,
		Focused:  w.focused,
		Stale:    stale,
		Notice:   w.notice,
	}
	if w.visitor != nil {
		v := *w.visitor
		snap.Visitor = &v
	}
	switch {
	case !attached:
		snap.State = StateStartForm
	case sess.IsClosed():
		snap.Session = &sess
		snap.State = StateClosed
	default:
		snap.Session = &sess
		snap.State = StateChatting
	}
	if stale && snap.Notice == "" {
		snap.Notice = noticeStale
	}
	return snap
}
