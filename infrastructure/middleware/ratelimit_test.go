package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFixedWindowLimiter(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewFixedWindowLimiter(5, 15*time.Minute, nil)
	l.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.9") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if l.Allow("203.0.113.9") {
		t.Fatal("sixth attempt should be refused")
	}

	// A different key has its own budget.
	if !l.Allow("198.51.100.1") {
		t.Fatal("independent key should be allowed")
	}

	// The window resets after the period elapses.
	current = current.Add(16 * time.Minute)
	if !l.Allow("203.0.113.9") {
		t.Fatal("attempt after window reset should be allowed")
	}
}

func TestFixedWindowLimiterHandler(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewFixedWindowLimiter(2, 15*time.Minute, nil)
	l.now = func() time.Time { return current }

	var hits int
	h := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.9:55001"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	do()
	do()
	rec := do()

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if hits != 2 {
		t.Fatalf("handler hits = %d, want 2 (tripped request must not reach it)", hits)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	errBody, _ := body["error"].(map[string]interface{})
	if errBody["code"] != "rate-limited" {
		t.Errorf("error code = %v, want rate-limited", errBody["code"])
	}
}

func TestFixedWindowLimiterCleanup(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewFixedWindowLimiter(5, 15*time.Minute, nil)
	l.now = func() time.Time { return current }

	l.Allow("a")
	l.Allow("b")
	if got := l.WindowCount(); got != 2 {
		t.Fatalf("WindowCount() = %d, want 2", got)
	}

	current = current.Add(20 * time.Minute)
	l.Cleanup()
	if got := l.WindowCount(); got != 0 {
		t.Fatalf("WindowCount() after cleanup = %d, want 0", got)
	}
}
