package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// KeyFunc derives the bucket key for a request; an empty key skips limiting.
type KeyFunc func(r *http.Request) string

// Middleware wraps an HTTP handler with rate limiting.
type Middleware struct {
	limiter *Limiter
	enabled bool
	logger  *zap.Logger
	onLimit func(r *http.Request)
}

// NewMiddleware creates a new rate limiting middleware. onLimit, if non-nil,
// observes every rejection.
func NewMiddleware(limiter *Limiter, enabled bool, logger *zap.Logger, onLimit func(r *http.Request)) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{limiter: limiter, enabled: enabled, logger: logger, onLimit: onLimit}
}

// Handler applies rate limiting keyed by key.
func (m *Middleware) Handler(key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !m.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			d := m.limiter.Allow(k)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				m.logger.Warn("rate_limited", zap.String("user_id", k), zap.String("path", r.URL.Path))
				if m.onLimit != nil {
					m.onLimit(r)
				}
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
