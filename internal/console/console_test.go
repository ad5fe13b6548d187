package console

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"studio.dev/livechat/internal/chatview"
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

func newConsole(t *testing.T, b Backend) *Console {
	t.Helper()
	c := New(b)
	t.Cleanup(c.Close)
	return c
}

func TestListTracksNewSessionsAndUnread(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	c := newConsole(t, svc)
	require.NoError(t, c.Open(ctx))
	require.Empty(t, c.View().Active)

	ana, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, ana.ID, models.RoleVisitor, "Ana", "Hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := c.View()
		return len(snap.Active) == 1 && snap.Active[0].UnreadCountForAdmin == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), c.View().UnreadTotal())

	bo, err := svc.StartSession(ctx, "v-bo", "Bo", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := c.View()
		return len(snap.Active) == 2 && snap.Active[0].ID == bo.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSelectReplyAndClose(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	ana, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, ana.ID, models.RoleVisitor, "Ana", "Hello")
	require.NoError(t, err)

	c := newConsole(t, svc)
	require.NoError(t, c.Open(ctx))
	require.ErrorIs(t, c.Select(ctx, "nope"), core.ErrSessionNotFound)
	require.NoError(t, c.Select(ctx, ana.ID))

	snap := c.View()
	require.NotNil(t, snap.Selected)
	require.Equal(t, ana.ID, snap.Selected.ID)
	require.Len(t, snap.Messages, 2)

	// selecting marks the visitor's messages read
	stored, err := svc.GetSession(ctx, ana.ID)
	require.NoError(t, err)
	require.Zero(t, stored.UnreadCountForAdmin)
	require.Eventually(t, func() bool { return c.View().UnreadTotal() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Reply(ctx, "Hi, how can I help?"))
	msgs := c.View().Messages
	require.Len(t, msgs, 3)
	require.Equal(t, core.AdminDisplayName, msgs[2].SenderName)
	require.Equal(t, models.RoleAdmin, msgs[2].SenderRole)

	stored, err = svc.GetSession(ctx, ana.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.UnreadCountForVisitor)

	require.NoError(t, c.CloseSelected(ctx))
	require.NoError(t, c.CloseSelected(ctx))
	snap = c.View()
	require.True(t, snap.Selected.IsClosed())
	require.Empty(t, snap.Active)
	require.Len(t, snap.Closed, 1)

	require.ErrorIs(t, c.Reply(ctx, "one more thing"), core.ErrSessionClosed)
	require.Equal(t, noticeClosed, c.View().Notice)
}

func TestVisitorMessagesWhileSelectedStayRead(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	ana, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	c := newConsole(t, svc)
	require.NoError(t, c.Open(ctx))
	require.NoError(t, c.Select(ctx, ana.ID))

	_, err = svc.AppendMessage(ctx, ana.ID, models.RoleVisitor, "Ana", "Are you there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := svc.GetSession(ctx, ana.ID)
		return err == nil && s.UnreadCountForAdmin == 0 && len(c.View().Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplyWithoutSelection(t *testing.T) {
	c := newConsole(t, newService(t))
	require.NoError(t, c.Open(context.Background()))
	require.ErrorIs(t, c.CloseSelected(context.Background()), chatview.ErrNotAttached)
}

// droppingBackend hands out the error callback of every list feed it opens
// and can refuse new ones.
type droppingBackend struct {
	*core.ChatService
	onError chan func(error)
	refuse  atomic.Bool
	refused atomic.Int32
}

func (b *droppingBackend) SubscribeSessionList(ctx context.Context, onSession func(models.ChatSession), onError func(error)) (core.SubscriptionHandle, error) {
	if b.refuse.Load() {
		b.refused.Add(1)
		return nil, &core.StoreError{Op: "subscribe session list", Err: errors.New("connection refused")}
	}
	h, err := b.ChatService.SubscribeSessionList(ctx, onSession, onError)
	if err == nil {
		b.onError <- onError
	}
	return h, err
}

func TestLostListFeedResubscribes(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	backend := &droppingBackend{ChatService: svc, onError: make(chan func(error), 4)}
	c := newConsole(t, backend)
	require.NoError(t, c.Open(ctx))

	drop := <-backend.onError
	drop(core.ErrSubscription)
	select {
	case <-backend.onError:
	case <-time.After(2 * time.Second):
		t.Fatal("no resubscribe after the feed was lost")
	}
	require.Eventually(t, func() bool { return !c.View().Stale }, 2*time.Second, 10*time.Millisecond)

	_, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.View().Active) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshRecoversLostListFeed(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	backend := &droppingBackend{ChatService: svc, onError: make(chan func(error), 4)}
	c := newConsole(t, backend)
	require.NoError(t, c.Open(ctx))

	backend.refuse.Store(true)
	drop := <-backend.onError
	drop(core.ErrSubscription)
	require.Eventually(t, func() bool { return backend.refused.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	snap := c.View()
	require.True(t, snap.Stale)
	require.Equal(t, noticeStale, snap.Notice)

	// missed while the feed was down
	_, err := svc.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	backend.refuse.Store(false)
	require.NoError(t, c.Refresh(ctx))
	snap = c.View()
	require.False(t, snap.Stale)
	require.Empty(t, snap.Notice)
	require.Len(t, snap.Active, 1)

	_, err = svc.StartSession(ctx, "v-bo", "Bo", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.View().Active) == 2 }, 2*time.Second, 10*time.Millisecond)
}
