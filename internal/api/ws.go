package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Frame is one push notification on a chat websocket.
type Frame struct {
	Type    events.Kind         `json:"type"`
	Message *models.ChatMessage `json:"message,omitempty"`
	Session *models.ChatSession `json:"session,omitempty"`
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// push queues a frame; a client that cannot keep up is disconnected and will
// reconnect and refetch.
func (c *wsClient) push(f Frame) {
	select {
	case <-c.ctx.Done():
	case c.send <- f:
	default:
		c.log.Warn().Msg("websocket send buffer full, disconnecting")
		c.cancel()
	}
}

func (h *APIHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (h *APIHandler) serveSessionFeed(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.serveWS(w, r, func(ctx context.Context, c *wsClient) (core.SubscriptionHandle, error) {
		return h.chatService.Subscribe(ctx, sessionID, core.Handlers{
			OnMessage: func(m models.ChatMessage) {
				c.push(Frame{Type: events.KindMessageInserted, Message: &m})
			},
			OnSessionChange: func(s models.ChatSession) {
				c.push(Frame{Type: events.KindSessionUpdated, Session: &s})
			},
			OnError: func(error) { c.cancel() },
		})
	})
}

func (h *APIHandler) serveSessionListFeed(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, func(ctx context.Context, c *wsClient) (core.SubscriptionHandle, error) {
		return h.chatService.SubscribeSessionList(ctx,
			func(s models.ChatSession) { c.push(Frame{Type: events.KindSessionUpdated, Session: &s}) },
			func(error) { c.cancel() },
		)
	})
}

func (h *APIHandler) serveWS(w http.ResponseWriter, r *http.Request, subscribe func(context.Context, *wsClient) (core.SubscriptionHandle, error)) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	client := &wsClient{
		id:     uuid.NewString(),
		send:   make(chan Frame, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	client.log = h.log.With().Str("ws_client", client.id).Logger()

	// Subscribe before the handshake so nothing published after it completes is missed.
	handle, err := subscribe(ctx, client)
	if err != nil {
		client.log.Error().Err(err).Msg("subscription failed")
		writeChatError(w, err)
		return
	}
	defer handle.Unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		client.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client.conn = conn
	client.log.Debug().Msg("websocket subscribed")

	go h.writePump(client)
	h.readPump(client)
	client.log.Debug().Msg("websocket closed")
}

// readPump only drains control frames; the feed is push-only.
func (h *APIHandler) readPump(c *wsClient) {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		<-c.ctx.Done()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *APIHandler) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
