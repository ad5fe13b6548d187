// Package client talks to a livechat server over HTTP and websockets. It offers
// the same method set as core.ChatService, so widget and console controllers run
// unchanged in-process or remote.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/api"
	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/models"
)

var (
	ErrUnauthorized = errors.New("not authorized")
	ErrRateLimited  = core.ErrRateLimited
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithVisitorID fixes the visitor id sent on visitor calls.
func WithVisitorID(id string) Option {
	return func(c *Client) { c.visitorID = id }
}

// WithToken switches the client to the admin routes.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Client is a remote chat backend. Visitor calls without a configured visitor
// id use the id last passed to ListSessions or StartSession.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu        sync.RWMutex
	visitorID string
	token     string
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 15 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logging.Component("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) visitor() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visitorID
}

func (c *Client) rememberVisitor(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.visitorID == "" {
		c.visitorID = id
	}
}

func (c *Client) adminToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) isAdmin() bool { return c.adminToken() != "" }

// Login exchanges the admin password for a token and keeps it.
func (c *Client) Login(ctx context.Context, password string) error {
	var resp api.LoginResponse
	if err := c.do(ctx, "login", http.MethodPost, "/api/admin/login", api.LoginRequest{Password: password}, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) ListSessions(ctx context.Context, visitorID string) ([]models.ChatSession, error) {
	if strings.TrimSpace(visitorID) == "" {
		return nil, core.ErrIdentityMissing
	}
	c.rememberVisitor(visitorID)
	var out []models.ChatSession
	err := c.doAs(ctx, "list sessions", http.MethodGet, "/api/visitors/"+url.PathEscape(visitorID)+"/sessions", nil, &out, visitorID)
	return out, err
}

func (c *Client) StartSession(ctx context.Context, visitorID, name, email string) (models.ChatSession, error) {
	if strings.TrimSpace(visitorID) == "" {
		return models.ChatSession{}, core.ErrIdentityMissing
	}
	c.rememberVisitor(visitorID)
	var out models.ChatSession
	err := c.doAs(ctx, "start session", http.MethodPost, "/api/sessions", api.StartSessionRequest{Name: name, Email: email}, &out, visitorID)
	return out, err
}

func (c *Client) ListAllSessions(ctx context.Context, status models.SessionStatus) ([]models.ChatSession, error) {
	path := "/api/admin/sessions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []models.ChatSession
	err := c.do(ctx, "list all sessions", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) FetchHistory(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	err := c.do(ctx, "fetch history", http.MethodGet, c.sessionPath(c.isAdmin(), sessionID, "messages"), nil, &out)
	return out, err
}

func (c *Client) AppendMessage(ctx context.Context, sessionID string, role models.SenderRole, name, body string) (models.ChatMessage, error) {
	if !role.Valid() {
		return models.ChatMessage{}, core.ErrInvalidRole
	}
	if strings.TrimSpace(body) == "" {
		return models.ChatMessage{}, core.ErrEmptyBody
	}
	var out models.ChatMessage
	path := c.sessionPath(role == models.RoleAdmin, sessionID, "messages")
	err := c.do(ctx, "append message", http.MethodPost, path, api.PostMessageRequest{Body: body, SenderName: name}, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, sessionID string, viewer models.SenderRole) (int64, error) {
	if !viewer.Valid() {
		return 0, core.ErrInvalidRole
	}
	var out api.MarkReadResponse
	err := c.do(ctx, "mark read", http.MethodPost, c.sessionPath(viewer == models.RoleAdmin, sessionID, "read"), nil, &out)
	return out.Marked, err
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) (models.ChatSession, error) {
	var out models.ChatSession
	err := c.do(ctx, "close session", http.MethodPost, c.sessionPath(true, sessionID, "close"), nil, &out)
	return out, err
}

func (c *Client) sessionPath(admin bool, sessionID, tail string) string {
	prefix := "/api/sessions/"
	if admin {
		prefix = "/api/admin/sessions/"
	}
	return prefix + url.PathEscape(sessionID) + "/" + tail
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	return c.doAs(ctx, op, method, path, body, out, c.visitor())
}

func (c *Client) doAs(ctx context.Context, op, method, path string, body, out any, visitorID string) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return &core.StoreError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if visitorID != "" {
		req.Header.Set(api.VisitorIDHeader, visitorID)
	}
	if token := c.adminToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &core.StoreError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &core.StoreError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// decodeError turns an API error body back into the chat error taxonomy.
func decodeError(op string, resp *http.Response) error {
	var body api.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = ""
		body.Message = strings.TrimSpace(string(data))
	}

	switch body.Error {
	case api.CodeIdentityMissing:
		return core.ErrIdentityMissing
	case api.CodeEmptyBody:
		return core.ErrEmptyBody
	case api.CodeInvalidRole:
		return core.ErrInvalidRole
	case api.CodeSessionNotFound:
		return core.ErrSessionNotFound
	case api.CodeSessionClosed:
		return core.ErrSessionClosed
	case api.CodeUnauthorized, api.CodeForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, body.Message)
	case api.CodeRateLimited:
		return ErrRateLimited
	}
	return &core.StoreError{Op: op, Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Message)}
}
