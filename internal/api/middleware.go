package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/auth"
)

type ctxKey int

const principalKey ctxKey = iota

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(auth.Principal)
	return p, ok
}

// JWTAuthMiddleware verifies bearer tokens and stores the principal in the context
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			h.writeError(w, apperr.Unauthorized("authorization header required"))
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		p, err := h.AuthService.ParseToken(tokenString)
		if err != nil {
			h.writeError(w, apperr.Unauthorized("invalid or expired token"))
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers without the admin role
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			h.writeError(w, apperr.Forbidden("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestRecorder receives one observation per request
type RequestRecorder interface {
	ObserveRequest(method, path string, status int, d time.Duration)
}

// unmatchedRoute labels requests no route pattern claimed, keeping raw
// paths out of metric labels.
const unmatchedRoute = "unmatched"

// RequestLogger logs every request with zap and records it in rec
func RequestLogger(logger *zap.Logger, rec RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := unmatchedRoute
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
			if rec != nil {
				rec.ObserveRequest(r.Method, route, status, elapsed)
			}
		})
	}
}
