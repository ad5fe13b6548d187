package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/auth"
	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/models"
	"studio.dev/livechat/internal/ratelimit"
)

type Config struct {
	JWTSecret         string
	AdminPasswordHash string
	AllowedOrigins    []string
	Limiter           ratelimit.Allower
	RateWindow        time.Duration
}

type APIHandler struct {
	chatService *core.ChatService
	cfg         Config
	upgrader    websocket.Upgrader
	log         zerolog.Logger
}

func NewAPIHandler(cs *core.ChatService, cfg Config) *APIHandler {
	h := &APIHandler{chatService: cs, cfg: cfg, log: logging.Component("api")}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

type StartSessionRequest struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type PostMessageRequest struct {
	Body       string `json:"body"`
	SenderName string `json:"sender_name,omitempty"`
}

type MarkReadResponse struct {
	Marked int64 `json:"marked"`
}

type LoginRequest struct {
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// visitorSession loads the session in the URL and checks that it belongs to
// the calling visitor. Foreign sessions look the same as missing ones.
func (h *APIHandler) visitorSession(w http.ResponseWriter, r *http.Request) (models.ChatSession, bool) {
	sess, err := h.chatService.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeChatError(w, err)
		return models.ChatSession{}, false
	}
	if sess.VisitorID != visitorIDFrom(r.Context()) {
		writeChatError(w, core.ErrSessionNotFound)
		return models.ChatSession{}, false
	}
	return sess, true
}

// Visitor endpoints

func (h *APIHandler) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := h.chatService.StartSession(r.Context(), visitorIDFrom(r.Context()), req.Name, req.Email)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *APIHandler) ListVisitorSessionsHandler(w http.ResponseWriter, r *http.Request) {
	visitorID := chi.URLParam(r, "visitorID")
	if visitorID != visitorIDFrom(r.Context()) {
		writeError(w, http.StatusForbidden, CodeForbidden, "Sessions belong to another visitor")
		return
	}
	sessions, err := h.chatService.ListSessions(r.Context(), visitorID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.visitorSession(w, r)
	if !ok {
		return
	}
	h.writeHistory(w, r, sess.ID)
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.visitorSession(w, r)
	if !ok {
		return
	}
	var req PostMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	name := req.SenderName
	if name == "" {
		name = sess.VisitorName
	}
	msg, err := h.chatService.AppendMessage(r.Context(), sess.ID, models.RoleVisitor, name, req.Body)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *APIHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.visitorSession(w, r)
	if !ok {
		return
	}
	h.markRead(w, r, sess.ID, models.RoleVisitor)
}

func (h *APIHandler) VisitorWSHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.visitorSession(w, r)
	if !ok {
		return
	}
	h.serveSessionFeed(w, r, sess.ID)
}

// Admin endpoints

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Password == "" || !auth.CheckPasswordHash(req.Password, h.cfg.AdminPasswordHash) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid credentials")
		return
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, auth.AdminSubject)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to generate token")
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func (h *APIHandler) AdminListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	status := models.SessionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "status must be active or closed")
		return
	}
	sessions, err := h.chatService.ListAllSessions(r.Context(), status)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *APIHandler) AdminListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, chi.URLParam(r, "sessionID"))
}

func (h *APIHandler) AdminPostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	name := req.SenderName
	if name == "" {
		name = core.AdminDisplayName
	}
	msg, err := h.chatService.AppendMessage(r.Context(), chi.URLParam(r, "sessionID"), models.RoleAdmin, name, req.Body)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *APIHandler) AdminMarkReadHandler(w http.ResponseWriter, r *http.Request) {
	h.markRead(w, r, chi.URLParam(r, "sessionID"), models.RoleAdmin)
}

func (h *APIHandler) AdminCloseSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := h.chatService.CloseSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// AdminWSHandler streams one session when session_id is given, otherwise the
// session list feed.
func (h *APIHandler) AdminWSHandler(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		if _, err := h.chatService.GetSession(r.Context(), sessionID); err != nil {
			writeChatError(w, err)
			return
		}
		h.serveSessionFeed(w, r, sessionID)
		return
	}
	h.serveSessionListFeed(w, r)
}

func (h *APIHandler) writeHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	msgs, err := h.chatService.FetchHistory(r.Context(), sessionID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *APIHandler) markRead(w http.ResponseWriter, r *http.Request, sessionID string, viewer models.SenderRole) {
	n, err := h.chatService.MarkRead(r.Context(), sessionID, viewer)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{Marked: n})
}
