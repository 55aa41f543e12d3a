// Package middleware provides HTTP middleware for the analytics server.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/infrastructure/httputil"
	"github.com/spintel/analytics-server/infrastructure/logging"
)

// FixedWindowLimiter counts attempts per key inside a fixed window. It guards
// the auth endpoints only: a tripped key is refused before the credential
// store is ever consulted.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewFixedWindowLimiter creates a limiter allowing limit attempts per key in
// each period.
func NewFixedWindowLimiter(limit int, period time.Duration, logger *logging.Logger) *FixedWindowLimiter {
	if limit <= 0 {
		limit = 5
	}
	if period <= 0 {
		period = 15 * time.Minute
	}
	return &FixedWindowLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		logger:  logger,
		now:     time.Now,
	}
}

// Allow records an attempt for key and reports whether it is inside the
// window budget.
func (l *FixedWindowLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.period)}
		return true
	}

	w.count++
	return w.count <= l.limit
}

// Handler wraps an auth endpoint with the limiter, keyed on client IP.
func (l *FixedWindowLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := httputil.ClientIP(r)
		if key == "" {
			key = "unknown"
		}

		if !l.Allow(key) {
			if l.logger != nil {
				l.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key":    key,
					"path":   r.URL.Path,
					"method": r.Method,
				})
			}

			serviceErr := apperrors.RateLimited(l.limit, l.period.String())
			if seconds := int(math.Ceil(l.period.Seconds())); seconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			httputil.WriteServiceError(w, r, serviceErr)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops windows whose reset time has passed. Called periodically by
// the background sweeper.
func (l *FixedWindowLimiter) Cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// WindowCount returns the number of tracked keys.
func (l *FixedWindowLimiter) WindowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
