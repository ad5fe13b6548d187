package widget

import (
	"context"
	"sync/atomic"
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

func newWidget(t *testing.T, svc Backend, ids *core.IdentityManager) *Widget {
	t.Helper()
	w := New(svc, ids)
	t.Cleanup(w.Close)
	return w
}

func TestFirstVisitShowsStartForm(t *testing.T) {
	svc := newService(t)
	ids := core.NewIdentityManager(nil)
	ctx := context.Background()

	var changes atomic.Int32
	w := New(svc, ids, OnChange(func() { changes.Add(1) }))
	defer w.Close()

	require.NoError(t, w.Open(ctx))
	snap := w.View()
	require.Equal(t, StateStartForm, snap.State)
	require.Nil(t, snap.Visitor)
	require.Positive(t, changes.Load())

	require.ErrorIs(t, w.Start(ctx, "  ", ""), core.ErrIdentityMissing)
	require.Nil(t, ids.Current())

	require.NoError(t, w.Start(ctx, "Ana", "ana@example.com"))
	snap = w.View()
	require.Equal(t, StateChatting, snap.State)
	require.NotNil(t, snap.Visitor)
	require.Equal(t, "Ana", snap.Visitor.Name)
	require.Len(t, snap.Sessions, 1)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, core.DefaultGreeting, snap.Messages[0].Body)

	stored := ids.Current()
	require.NotNil(t, stored)
	require.Equal(t, snap.Visitor.ID, stored.ID)
}

func TestReturningVisitorResumesActiveSession(t *testing.T) {
	svc := newService(t)
	ids := core.NewIdentityManager(nil)
	ctx := context.Background()

	first := newWidget(t, svc, ids)
	require.NoError(t, first.Start(ctx, "Ana", ""))
	require.NoError(t, first.Send(ctx, "Hello"))
	active := first.View().Session
	require.NotNil(t, active)
	first.Close()

	again := newWidget(t, svc, ids)
	require.NoError(t, again.Open(ctx))
	snap := again.View()
	require.Equal(t, StateChatting, snap.State)
	require.Equal(t, active.ID, snap.Session.ID)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "Hello", snap.Messages[1].Body)
	require.Equal(t, "Ana", snap.Messages[1].SenderName)
}

func TestBadgeCountsRepliesWhileUnfocused(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	w := newWidget(t, svc, core.NewIdentityManager(nil))
	require.NoError(t, w.Start(ctx, "Ana", ""))
	sessID := w.View().Session.ID

	_, err := svc.AppendMessage(ctx, sessID, models.RoleAdmin, core.AdminDisplayName, "Hi, how can I help?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.View().Badge == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Focus(ctx))
	require.Zero(t, w.View().Badge)
	sess, err := svc.GetSession(ctx, sessID)
	require.NoError(t, err)
	require.Zero(t, sess.UnreadCountForVisitor)

	// replies that arrive while focused are read straight away
	_, err = svc.AppendMessage(ctx, sessID, models.RoleAdmin, core.AdminDisplayName, "Still there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := svc.GetSession(ctx, sessID)
		return err == nil && len(w.View().Messages) == 3 && s.UnreadCountForVisitor == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, w.View().Badge)

	w.Blur()
	_, err = svc.AppendMessage(ctx, sessID, models.RoleAdmin, core.AdminDisplayName, "Bye then")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.View().Badge == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClosedSessionOffersNewChat(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	w := newWidget(t, svc, core.NewIdentityManager(nil))
	require.NoError(t, w.Start(ctx, "Ana", ""))
	closedID := w.View().Session.ID

	_, err := svc.CloseSession(ctx, closedID)
	require.NoError(t, err)

	// sending into the closed chat is not an error for the visitor
	require.NoError(t, w.Send(ctx, "hello?"))
	snap := w.View()
	require.Equal(t, StateClosed, snap.State)
	require.Equal(t, noticeClosed, snap.Notice)
	require.Len(t, snap.Messages, 1)

	require.NoError(t, w.StartNewChat(ctx))
	snap = w.View()
	require.Equal(t, StateChatting, snap.State)
	require.NotEqual(t, closedID, snap.Session.ID)
	require.Empty(t, snap.Notice)
	require.Len(t, snap.Sessions, 2)

	require.NoError(t, w.SwitchSession(ctx, closedID))
	require.Equal(t, StateClosed, w.View().State)
	require.ErrorIs(t, w.SwitchSession(ctx, "nope"), core.ErrSessionNotFound)
}

func TestRefreshPicksUpMissedChanges(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	w := newWidget(t, svc, core.NewIdentityManager(nil))
	require.NoError(t, w.Start(ctx, "Ana", ""))
	sessID := w.View().Session.ID

	w.Close()
	_, err := svc.AppendMessage(ctx, sessID, models.RoleAdmin, core.AdminDisplayName, "while you were away")
	require.NoError(t, err)

	require.NoError(t, w.Open(ctx))
	require.NoError(t, w.Refresh(ctx))
	snap := w.View()
	require.Len(t, snap.Messages, 2)
	require.False(t, snap.Stale)
}

func TestBackendFailureShowsNotice(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	w := newWidget(t, failingBackend{svc}, core.NewIdentityManager(nil))

	err := w.Start(ctx, "Ana", "")
	require.ErrorIs(t, err, core.ErrTransient)
	require.Equal(t, noticeUnavailable, w.View().Notice)
	w.DismissNotice()
	require.Empty(t, w.View().Notice)
}

type failingBackend struct{ *core.ChatService }

func (failingBackend) StartSession(context.Context, string, string, string) (models.ChatSession, error) {
	return models.ChatSession{}, &core.StoreError{Op: "start session", Err: context.DeadlineExceeded}
}
