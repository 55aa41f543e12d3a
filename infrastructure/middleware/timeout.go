// Package middleware provides HTTP middleware for the analytics server.
package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/infrastructure/httputil"
)

const defaultRequestTimeout = 10 * time.Second

// TimeoutMiddleware enforces a per-request deadline so a handler stuck on a
// tenant lock cannot hold a client connection indefinitely.
type TimeoutMiddleware struct {
	timeout time.Duration
}

// NewTimeoutMiddleware creates a request timeout middleware.
// When timeout <= 0, the default deadline is applied.
func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &TimeoutMiddleware{timeout: timeout}
}

// Handler returns the timeout middleware handler.
func (m *TimeoutMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		done := make(chan struct{})
		tw := &timeoutResponseWriter{ResponseWriter: w}

		go func() {
			next.ServeHTTP(tw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				tw.mu.Lock()
				wrote := tw.wroteHeader
				tw.abandoned = true
				tw.mu.Unlock()
				if !wrote {
					httputil.WriteServiceError(w, r, apperrors.Timeout(r.URL.Path))
				}
			}
		}
	})
}

// timeoutResponseWriter tracks header writes and suppresses writes from
// handlers abandoned after the deadline fired.
type timeoutResponseWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	abandoned   bool
}

func (tw *timeoutResponseWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.abandoned || tw.wroteHeader {
		tw.wroteHeader = true
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutResponseWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if tw.abandoned {
		tw.mu.Unlock()
		return len(b), nil
	}
	tw.wroteHeader = true
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}
