package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"studio.dev/livechat/internal/auth"
)

type ctxKey int

const (
	visitorIDKey ctxKey = iota
	adminSubjectKey
)

// VisitorIDHeader carries the device-local visitor id.
const VisitorIDHeader = "X-Visitor-ID"

func visitorIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(visitorIDKey).(string)
	return id
}

// VisitorMiddleware requires a visitor id, from the header or, for websockets,
// the visitor_id query parameter.
func (h *APIHandler) VisitorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(VisitorIDHeader))
		if id == "" {
			id = strings.TrimSpace(r.URL.Query().Get("visitor_id"))
		}
		if id == "" {
			writeError(w, http.StatusBadRequest, CodeIdentityMissing, "Visitor id is required")
			return
		}
		ctx := context.WithValue(r.Context(), visitorIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// JWTAuthMiddleware admits admin tokens from the Authorization header or, for
// websockets, the token query parameter.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Bearer token required")
				return
			}
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authorization header is required")
			return
		}

		subject, err := auth.ValidateJWT(h.cfg.JWTSecret, tokenString)
		if err != nil || subject != auth.AdminSubject {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), adminSubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SendRateLimitMiddleware throttles visitor sends per visitor id. Limiter
// failures let the request through.
func (h *APIHandler) SendRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := h.cfg.Limiter.Allow(r.Context(), visitorIDFrom(r.Context()))
		if err != nil {
			h.log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if secs := int(h.cfg.RateWindow.Seconds()); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many messages, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
