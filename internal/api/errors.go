package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"studio.dev/livechat/internal/core"
	"studio.dev/livechat/internal/logging"
)

// Error codes carried in ErrorResponse.Error.
const (
	CodeBadRequest       = "bad_request"
	CodeIdentityMissing  = "identity_missing"
	CodeEmptyBody        = "empty_body"
	CodeInvalidRole      = "invalid_role"
	CodeSessionNotFound  = "session_not_found"
	CodeSessionClosed    = "session_closed"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeRateLimited      = "rate_limited"
	CodeStoreUnavailable = "store_unavailable"
	CodeInternal         = "internal"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logging.Component("api")
		l.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeChatError maps the chat error taxonomy onto HTTP.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrIdentityMissing):
		writeError(w, http.StatusBadRequest, CodeIdentityMissing, "Please enter your name")
	case errors.Is(err, core.ErrEmptyBody):
		writeError(w, http.StatusBadRequest, CodeEmptyBody, "Message body is empty")
	case errors.Is(err, core.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, CodeInvalidRole, err.Error())
	case errors.Is(err, core.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "Chat session not found")
	case errors.Is(err, core.ErrSessionClosed):
		writeError(w, http.StatusConflict, CodeSessionClosed, "This chat was closed, start a new one")
	case errors.Is(err, core.ErrTransient), errors.Is(err, core.ErrSubscription):
		l := logging.Component("api")
		l.Error().Err(err).Msg("chat store failure")
		writeError(w, http.StatusServiceUnavailable, CodeStoreUnavailable, "Chat is temporarily unavailable")
	default:
		l := logging.Component("api")
		l.Error().Err(err).Msg("unexpected error")
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal error")
	}
}
