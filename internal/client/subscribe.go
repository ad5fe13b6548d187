package client

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/api"
	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/models"
)

// Subscribe opens the websocket feed of one session.
func (c *Client) Subscribe(ctx context.Context, sessionID string, h core.Handlers) (core.SubscriptionHandle, error) {
	q := url.Values{}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/ws"
	if token := c.adminToken(); token != "" {
		path = "/api/admin/ws"
		q.Set("session_id", sessionID)
		q.Set("token", token)
	} else {
		q.Set("visitor_id", c.visitor())
	}
	return c.dial(ctx, "subscribe", path, q, h)
}

// SubscribeSessionList opens the admin session list feed.
func (c *Client) SubscribeSessionList(ctx context.Context, onSession func(models.ChatSession), onError func(error)) (core.SubscriptionHandle, error) {
	q := url.Values{}
	q.Set("token", c.adminToken())
	return c.dial(ctx, "subscribe session list", "/api/admin/ws", q, core.Handlers{OnSessionChange: onSession, OnError: onError})
}

func (c *Client) dial(ctx context.Context, op, path string, q url.Values, h core.Handlers) (core.SubscriptionHandle, error) {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += path
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, decodeError(op, resp)
			}
		}
		return nil, &core.StoreError{Op: op, Err: err}
	}

	sub := &remoteSubscription{conn: conn, handlers: h, done: make(chan struct{}), log: c.log}
	go sub.read()
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type remoteSubscription struct {
	conn     *websocket.Conn
	handlers core.Handlers
	done     chan struct{}
	log      zerolog.Logger

	mu     sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

func (s *remoteSubscription) read() {
	defer close(s.done)
	for {
		var f api.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !s.closed.Load() {
				s.log.Debug().Err(err).Msg("websocket feed dropped")
			}
			s.dispatch(func() {
				if s.handlers.OnError != nil {
					s.handlers.OnError(core.ErrSubscription)
				}
			})
			return
		}
		s.dispatch(func() { s.deliver(f) })
	}
}

func (s *remoteSubscription) deliver(f api.Frame) {
	switch f.Type {
	case events.KindMessageInserted:
		if f.Message != nil && s.handlers.OnMessage != nil {
			s.handlers.OnMessage(*f.Message)
		}
	case events.KindSessionUpdated:
		if f.Session != nil && s.handlers.OnSessionChange != nil {
			s.handlers.OnSessionChange(*f.Session)
		}
	}
}

func (s *remoteSubscription) dispatch(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	fn()
}

func (s *remoteSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.conn.Close()
		s.mu.Lock()
		s.mu.Unlock() //nolint:staticcheck // waits for the callback in flight
	})
}
