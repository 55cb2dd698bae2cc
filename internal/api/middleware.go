package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/internal/metrics"
	"github.com/shehryarbajwa/workshop-mini/internal/ratelimit"
	"github.com/shehryarbajwa/workshop-mini/internal/session"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

// UserHeader carries the authenticated owner id, set by the fronting proxy.
const UserHeader = "X-User-ID"

type callerKey struct{}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller session.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller stored by the identity middleware.
func CallerFrom(ctx context.Context) session.Caller {
	caller, _ := ctx.Value(callerKey{}).(session.Caller)
	return caller
}

// IdentityMiddleware rejects requests without a user header and records the
// caller on the request context.
func IdentityMiddleware(isAdmin func(string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserHeader))
			if userID == "" {
				writeJSON(w, http.StatusUnauthorized, models.ErrorBody{Error: models.ErrorDetail{
					Code:    string(apperrors.CodeUnauthenticated),
					Message: "missing " + UserHeader + " header",
				}})
				return
			}
			caller := session.Caller{ID: userID, Admin: isAdmin != nil && isAdmin(userID)}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RateLimitMiddleware creates a middleware that enforces per-owner rate limits
func RateLimitMiddleware(limiter *ratelimit.Limiter, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := CallerFrom(r.Context()).ID
			if ownerID == "" || limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.PerHour()))
			if !limiter.Allow(ownerID) {
				m.RateLimited()
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeJSON(w, http.StatusTooManyRequests, models.ErrorBody{Error: models.ErrorDetail{
					Code:    string(apperrors.CodeRateLimited),
					Message: "rate limit exceeded, maximum " + strconv.Itoa(limiter.PerHour()) + " requests per hour",
				}})
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(ownerID)))

			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the underlying writer.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// LoggingMiddleware records method, path, status and duration per request
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(began)).
				Msg("request")
		})
	}
}
