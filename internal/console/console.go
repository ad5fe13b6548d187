// Package console is the headless admin console: the live session list with
// unread badges, the selected conversation, replies and closing.
package console

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/chatview"
	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/models"
)

// Backend is what the console needs from the chat server.
type Backend interface {
	chatview.Backend
	ListAllSessions(ctx context.Context, status models.SessionStatus) ([]models.ChatSession, error)
	SubscribeSessionList(ctx context.Context, onSession func(models.ChatSession), onError func(error)) (core.SubscriptionHandle, error)
	CloseSession(ctx context.Context, sessionID string) (models.ChatSession, error)
}

const (
	noticeUnavailable = "Chat backend unavailable, retry with refresh."
	noticeStale       = "Live updates lost, refresh to catch up."
	noticeClosed      = "This session is closed."
)

type Snapshot struct {
	Active   []models.ChatSession
	Closed   []models.ChatSession
	Selected *models.ChatSession
	Messages []models.ChatMessage
	Stale    bool
	Notice   string
}

// UnreadTotal sums the admin unread counters of the active sessions.
func (s Snapshot) UnreadTotal() int64 {
	var n int64
	for _, sess := range s.Active {
		n += sess.UnreadCountForAdmin
	}
	return n
}

type Console struct {
	backend  Backend
	conv     *chatview.Conversation
	onChange func()
	log      zerolog.Logger
	// subscriptions live as long as the console, not the call that opened them
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]models.ChatSession
	listSub  core.SubscriptionHandle
	listGen  uint64
	stale    bool
	notice   string
}

type Option func(*Console)

// OnChange registers a callback fired after every visible change. It may run
// on any goroutine.
func OnChange(fn func()) Option {
	return func(c *Console) { c.onChange = fn }
}

func New(backend Backend, opts ...Option) *Console {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Console{
		backend:  backend,
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.Component("console"),
		sessions: make(map[string]models.ChatSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.conv = chatview.New(backend, models.RoleAdmin, chatview.Hooks{OnChange: c.changed})
	// the open conversation is always on screen
	c.conv.SetViewing(context.Background(), true)
	return c
}

func (c *Console) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

// Open subscribes to the session list feed and loads every session.
func (c *Console) Open(ctx context.Context) error {
	if err := c.subscribeList(); err != nil {
		c.fail(err)
	}
	return c.reload(ctx)
}

func (c *Console) subscribeList() error {
	c.mu.Lock()
	old := c.listSub
	c.listSub = nil
	c.listGen++
	gen := c.listGen
	c.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}

	sub, err := c.backend.SubscribeSessionList(c.ctx,
		func(s models.ChatSession) { c.onSession(gen, s) },
		func(err error) { c.onListError(gen, err) },
	)
	if err != nil {
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if gen != c.listGen {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.listSub = sub
	c.stale = false
	c.mu.Unlock()
	return nil
}

func (c *Console) onSession(gen uint64, s models.ChatSession) {
	c.mu.Lock()
	if gen != c.listGen {
		c.mu.Unlock()
		return
	}
	if cur, ok := c.sessions[s.ID]; !ok || s.Supersedes(cur) {
		c.sessions[s.ID] = s
	}
	c.mu.Unlock()

	c.conv.SetSession(s)
	c.changed()
}

func (c *Console) onListError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.listGen {
		c.mu.Unlock()
		return
	}
	dead := c.listSub
	c.listSub = nil
	c.stale = true
	c.notice = noticeStale
	c.mu.Unlock()

	c.log.Warn().Err(err).Msg("session list feed lost, resubscribing")
	c.changed()
	// a handle must not be unsubscribed from its own callback
	go func() {
		if dead != nil {
			dead.Unsubscribe()
		}
		c.resubscribeList(gen)
	}()
}

func (c *Console) resubscribeList(gen uint64) {
	c.mu.Lock()
	current := gen == c.listGen
	c.mu.Unlock()
	if !current || c.ctx.Err() != nil {
		return
	}
	if err := c.subscribeList(); err != nil {
		c.log.Warn().Err(err).Msg("resubscribe failed, manual refresh needed")
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()
	if err := c.reload(ctx); err != nil {
		return
	}
	c.mu.Lock()
	if c.notice == noticeStale {
		c.notice = ""
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Console) reload(ctx context.Context) error {
	sessions, err := c.backend.ListAllSessions(ctx, "")
	if err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.sessions = make(map[string]models.ChatSession, len(sessions))
	for _, s := range sessions {
		c.sessions[s.ID] = s
	}
	c.mu.Unlock()

	if cur, ok := c.conv.Session(); ok {
		for _, s := range sessions {
			if s.ID == cur.ID {
				c.conv.SetSession(s)
			}
		}
	}
	c.changed()
	return nil
}

// Select opens a session and marks the visitor's messages read.
func (c *Console) Select(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.notice = ""
	c.mu.Unlock()
	if !ok {
		return core.ErrSessionNotFound
	}

	if err := c.conv.Attach(ctx, sess); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Reply sends a message to the selected session as the admin.
func (c *Console) Reply(ctx context.Context, text string) error {
	_, err := c.conv.Send(ctx, core.AdminDisplayName, text)
	if err != nil {
		c.fail(err)
	}
	return err
}

// CloseSelected closes the selected session. Closing twice is harmless.
func (c *Console) CloseSelected(ctx context.Context) error {
	sess, ok := c.conv.Session()
	if !ok {
		return chatview.ErrNotAttached
	}
	closed, err := c.backend.CloseSession(ctx, sess.ID)
	if err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.sessions[closed.ID] = closed
	c.mu.Unlock()
	c.conv.SetSession(closed)
	c.changed()
	return nil
}

// Refresh reloads the list and the selected conversation, resubscribing any
// feed that was lost.
func (c *Console) Refresh(ctx context.Context) error {
	c.mu.Lock()
	lost := c.listSub == nil
	c.mu.Unlock()
	if lost {
		if err := c.subscribeList(); err != nil {
			c.fail(err)
			return err
		}
	}
	if err := c.reload(ctx); err != nil {
		return err
	}
	if err := c.conv.Refresh(ctx); err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.notice = ""
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Console) DismissNotice() {
	c.mu.Lock()
	c.notice = ""
	c.mu.Unlock()
	c.changed()
}

func (c *Console) Close() {
	c.mu.Lock()
	old := c.listSub
	c.listSub = nil
	c.listGen++
	c.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
	c.cancel()
	c.conv.Close()
}

func (c *Console) fail(err error) {
	var notice string
	switch {
	case errors.Is(err, core.ErrSessionClosed):
		notice = noticeClosed
	case errors.Is(err, core.ErrSubscription):
		notice = noticeStale
	default:
		c.log.Warn().Err(err).Msg("console operation failed")
		notice = noticeUnavailable
	}
	c.mu.Lock()
	c.notice = notice
	c.mu.Unlock()
	c.changed()
}

func (c *Console) View() Snapshot {
	selected, attached := c.conv.Session()
	msgs := c.conv.Messages()
	convStale := c.conv.Stale()

	c.mu.Lock()
	all := make([]models.ChatSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	snap := Snapshot{
		Messages: msgs,
		Stale:    c.stale || convStale,
		Notice:   c.notice,
	}
	c.mu.Unlock()

	snap.Active, snap.Closed = core.PartitionSessions(all)
	if attached {
		snap.Selected = &selected
	}
	if snap.Stale && snap.Notice == "" {
		snap.Notice = noticeStale
	}
	return snap
}
