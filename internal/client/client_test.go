package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"studio.dev/livechat/internal/api"
	"studio.dev/livechat/internal/auth"
	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/models"
	"studio.dev/livechat/internal/store"
)

const adminPassword = "s3cret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	bus := events.NewBus()
	st, err := store.NewSQLiteStore(":memory:", store.WithPublisher(bus))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hash, err := auth.HashPassword(adminPassword)
	require.NoError(t, err)
	chat := core.NewChatService(st, bus, core.Options{Greeting: core.DefaultGreeting})
	srv := httptest.NewServer(api.NewRouter(api.NewAPIHandler(chat, api.Config{JWTSecret: "k", AdminPasswordHash: hash})))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	require.Error(t, err)
}

func TestRemoteConversation(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	visitor, err := New(srv.URL)
	require.NoError(t, err)

	_, err = visitor.StartSession(ctx, "", "Ana", "")
	require.ErrorIs(t, err, core.ErrIdentityMissing)

	sess, err := visitor.StartSession(ctx, "v-ana", "Ana", "ana@example.com")
	require.NoError(t, err)

	sessions, err := visitor.ListSessions(ctx, "v-ana")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	_, err = visitor.AppendMessage(ctx, sess.ID, models.RoleVisitor, "Ana", "  ")
	require.ErrorIs(t, err, core.ErrEmptyBody)

	msg, err := visitor.AppendMessage(ctx, sess.ID, models.RoleVisitor, "Ana", "Hello")
	require.NoError(t, err)
	require.Positive(t, msg.Seq)

	admin, err := New(srv.URL)
	require.NoError(t, err)
	_, err = admin.ListAllSessions(ctx, "")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, admin.Login(ctx, "wrong"), ErrUnauthorized)
	require.NoError(t, admin.Login(ctx, adminPassword))

	all, err := admin.ListAllSessions(ctx, models.StatusActive)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, int64(1), all[0].UnreadCountForAdmin)

	marked, err := admin.MarkRead(ctx, sess.ID, models.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, int64(1), marked)

	history, err := admin.FetchHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[1].ReadAt)

	closed, err := admin.CloseSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusClosed, closed.Status)

	_, err = visitor.AppendMessage(ctx, sess.ID, models.RoleVisitor, "Ana", "hello?")
	require.ErrorIs(t, err, core.ErrSessionClosed)

	// another visitor's client cannot reach Ana's session
	stranger, err := New(srv.URL, WithVisitorID("v-bo"))
	require.NoError(t, err)
	_, err = stranger.FetchHistory(ctx, sess.ID)
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestRemoteSubscription(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	visitor, err := New(srv.URL)
	require.NoError(t, err)
	sess, err := visitor.StartSession(ctx, "v-ana", "Ana", "")
	require.NoError(t, err)

	admin, err := New(srv.URL)
	require.NoError(t, err)
	require.NoError(t, admin.Login(ctx, adminPassword))

	messages := make(chan models.ChatMessage, 8)
	handle, err := visitor.Subscribe(ctx, sess.ID, core.Handlers{
		OnMessage: func(m models.ChatMessage) { messages <- m },
	})
	require.NoError(t, err)

	sessions := make(chan models.ChatSession, 8)
	listHandle, err := admin.SubscribeSessionList(ctx, func(s models.ChatSession) { sessions <- s }, nil)
	require.NoError(t, err)
	defer listHandle.Unsubscribe()

	_, err = admin.AppendMessage(ctx, sess.ID, models.RoleAdmin, core.AdminDisplayName, "Hi, how can I help?")
	require.NoError(t, err)

	select {
	case m := <-messages:
		require.Equal(t, "Hi, how can I help?", m.Body)
	case <-time.After(3 * time.Second):
		t.Fatal("message not pushed")
	}
	select {
	case s := <-sessions:
		require.Equal(t, sess.ID, s.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("session change not pushed")
	}

	handle.Unsubscribe()
	_, err = admin.AppendMessage(ctx, sess.ID, models.RoleAdmin, core.AdminDisplayName, "anyone?")
	require.NoError(t, err)
	select {
	case m := <-messages:
		t.Fatalf("delivery after unsubscribe: %q", m.Body)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = visitor.Subscribe(ctx, "missing", core.Handlers{})
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestSubscriptionDropReportsError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// the server goes away right after the handshake
		conn.Close()
	}))
	defer srv.Close()

	visitor, err := New(srv.URL, WithVisitorID("v-ana"))
	require.NoError(t, err)

	errs := make(chan error, 1)
	handle, err := visitor.Subscribe(context.Background(), "s1", core.Handlers{OnError: func(err error) { errs <- err }})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, core.ErrSubscription)
	case <-time.After(3 * time.Second):
		t.Fatal("drop not reported")
	}
}

func TestTransportErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.ListSessions(context.Background(), "v-ana")
	require.ErrorIs(t, err, core.ErrTransient)

	srv.Close()
	_, err = c.FetchHistory(context.Background(), "s1")
	require.ErrorIs(t, err, core.ErrTransient)
}
