package chatview

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/models"
	"studio.dev/livechat/internal/store"
)

func newService(t *testing.T) *core.ChatService {
	t.Helper()
	bus := events.NewBus()
	st, err := store.NewSQLiteStore(":memory:", store.WithPublisher(bus))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return core.NewChatService(st, bus, core.Options{Greeting: core.DefaultGreeting})
}

func bodies(msgs []models.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func TestAttachLoadsHistoryAndFollowsPushes(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	conv := New(svc, models.RoleVisitor, Hooks{})
	defer conv.Close()
	require.NoError(t, conv.Attach(ctx, sess))
	require.Equal(t, []string{core.DefaultGreeting}, bodies(conv.Messages()))
	require.False(t, conv.Stale())

	_, err = svc.AppendMessage(ctx, sess.ID, models.RoleAdmin, core.AdminDisplayName, "Anything else?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conv.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)

	sent, err := conv.Send(ctx, "Ana", "  Yes please ")
	require.NoError(t, err)
	require.Equal(t, "Yes please", sent.Body)

	// the pushed copy of our own message must not show up twice
	time.Sleep(50 * time.Millisecond)
	msgs := conv.Messages()
	require.Equal(t, []string{core.DefaultGreeting, "Anything else?", "Yes please"}, bodies(msgs))
	for _, m := range msgs {
		require.False(t, strings.HasPrefix(m.ID, ProvisionalPrefix))
	}
}

func TestSendIgnoresBlankInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	conv := New(svc, models.RoleVisitor, Hooks{})
	defer conv.Close()
	require.NoError(t, conv.Attach(ctx, sess))

	msg, err := conv.Send(ctx, "Ana", "   ")
	require.NoError(t, err)
	require.Empty(t, msg.ID)
	require.Len(t, conv.Messages(), 1)
}

func TestSendRequiresAttachedSession(t *testing.T) {
	conv := New(newService(t), models.RoleVisitor, Hooks{})
	defer conv.Close()
	_, err := conv.Send(context.Background(), "Ana", "hi")
	require.ErrorIs(t, err, ErrNotAttached)
}

func TestSendToClosedSessionRollsBack(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	conv := New(svc, models.RoleVisitor, Hooks{})
	defer conv.Close()
	require.NoError(t, conv.Attach(ctx, sess))

	// closed behind the conversation's back, so the cached row still says active
	_, err = svc.CloseSession(ctx, sess.ID)
	require.NoError(t, err)
	conv.SetSession(sess)

	_, err = conv.Send(ctx, "Ana", "hello?")
	require.ErrorIs(t, err, core.ErrSessionClosed)
	require.Equal(t, []string{core.DefaultGreeting}, bodies(conv.Messages()))

	cached, ok := conv.Session()
	require.True(t, ok)
	require.True(t, cached.IsClosed())

	// the cached row now short-circuits
	_, err = conv.Send(ctx, "Ana", "hello?")
	require.ErrorIs(t, err, core.ErrSessionClosed)
}

func TestAttachSwitchStopsOldPushes(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	first, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)
	second, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	conv := New(svc, models.RoleVisitor, Hooks{})
	defer conv.Close()
	require.NoError(t, conv.Attach(ctx, first))
	require.NoError(t, conv.Attach(ctx, second))

	_, err = svc.AppendMessage(ctx, first.ID, models.RoleAdmin, core.AdminDisplayName, "for the first chat")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, second.ID, models.RoleAdmin, core.AdminDisplayName, "for the second chat")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conv.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	for _, m := range conv.Messages() {
		require.Equal(t, second.ID, m.SessionID)
	}
}

func TestViewingMarksIncomingRead(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, sess.ID, models.RoleVisitor, "Ana", "Hello")
	require.NoError(t, err)

	admin := New(svc, models.RoleAdmin, Hooks{})
	defer admin.Close()
	require.NoError(t, admin.SetViewing(ctx, true))
	require.NoError(t, admin.Attach(ctx, sess))

	unreadForAdmin := func() int64 {
		s, err := svc.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		return s.UnreadCountForAdmin
	}
	require.Zero(t, unreadForAdmin())

	_, err = svc.AppendMessage(ctx, sess.ID, models.RoleVisitor, "Ana", "Are you there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return unreadForAdmin() == 0 && len(admin.Messages()) == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, admin.SetViewing(ctx, false))
	_, err = svc.AppendMessage(ctx, sess.ID, models.RoleVisitor, "Ana", "Hello??")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(admin.Messages()) == 4 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), unreadForAdmin())
}

func TestSessionChangesReachHooks(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	changes := make(chan models.ChatSession, 8)
	conv := New(svc, models.RoleVisitor, Hooks{OnSession: func(s models.ChatSession) { changes <- s }})
	defer conv.Close()
	require.NoError(t, conv.Attach(ctx, sess))

	_, err = svc.CloseSession(ctx, sess.ID)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-changes:
			if s.IsClosed() {
				cached, _ := conv.Session()
				require.True(t, cached.IsClosed())
				return
			}
		case <-deadline:
			t.Fatal("close not pushed")
		}
	}
}

// flakyBackend hands out the handlers of every subscription it opens.
type flakyBackend struct {
	*core.ChatService
	handlers chan core.Handlers
}

func (b *flakyBackend) Subscribe(ctx context.Context, sessionID string, h core.Handlers) (core.SubscriptionHandle, error) {
	handle, err := b.ChatService.Subscribe(ctx, sessionID, h)
	if err == nil {
		b.handlers <- h
	}
	return handle, err
}

func TestLostSubscriptionResubscribes(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	backend := &flakyBackend{ChatService: svc, handlers: make(chan core.Handlers, 4)}
	conv := New(backend, models.RoleVisitor, Hooks{})
	defer conv.Close()
	require.NoError(t, conv.Attach(ctx, sess))
	h := <-backend.handlers

	h.OnError(core.ErrSubscription)
	select {
	case <-backend.handlers:
	case <-time.After(2 * time.Second):
		t.Fatal("no resubscribe after a lost subscription")
	}
	require.Eventually(t, func() bool { return !conv.Stale() }, 2*time.Second, 10*time.Millisecond)

	_, err = svc.AppendMessage(ctx, sess.ID, models.RoleAdmin, core.AdminDisplayName, "still here")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conv.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestOutOfOrderSessionRowsNeverReopen(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	var seen []models.SessionStatus
	backend := &flakyBackend{ChatService: svc, handlers: make(chan core.Handlers, 4)}
	conv := New(backend, models.RoleVisitor, Hooks{
		OnSession: func(s models.ChatSession) { seen = append(seen, s.Status) },
	})
	defer conv.Close()
	require.NoError(t, conv.Attach(ctx, sess))
	h := <-backend.handlers

	// an append committed before the close but announced after it
	stale := sess
	stale.UnreadCountForAdmin = 1
	stale.UpdatedAt = sess.UpdatedAt.Add(time.Second)
	closed := sess
	closed.Status = models.StatusClosed
	closed.UpdatedAt = sess.UpdatedAt.Add(2 * time.Second)

	h.OnSessionChange(closed)
	h.OnSessionChange(stale)

	got, ok := conv.Session()
	require.True(t, ok)
	require.True(t, got.IsClosed())
	require.Equal(t, closed.UpdatedAt, got.UpdatedAt)
	require.Equal(t, []models.SessionStatus{models.StatusClosed}, seen)

	// rows older than the cached one are dropped too
	conv.SetSession(stale)
	got, _ = conv.Session()
	require.True(t, got.IsClosed())

	_, err = conv.Send(ctx, "Ana", "hello?")
	require.ErrorIs(t, err, core.ErrSessionClosed)
}
