package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithUser(ctx, "alice")
	ctx = WithRole(ctx, "user")

	if got := GetTraceID(ctx); got != "trace-123" {
		t.Errorf("GetTraceID() = %q, want %q", got, "trace-123")
	}
	if got := GetUser(ctx); got != "alice" {
		t.Errorf("GetUser() = %q, want %q", got, "alice")
	}
	if got := GetRole(ctx); got != "user" {
		t.Errorf("GetRole() = %q, want %q", got, "user")
	}
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()
	if got := GetTraceID(ctx); got != "" {
		t.Errorf("GetTraceID() = %q, want empty", got)
	}
	if got := GetUser(ctx); got != "" {
		t.Errorf("GetUser() = %q, want empty", got)
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Error("NewTraceID() returned duplicate values")
	}
}

func TestJSONOutputCarriesContextFields(t *testing.T) {
	log := New("test-service", "info", "json")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	ctx := WithUser(WithTraceID(context.Background(), "t-1"), "bob")
	log.LogRequest(ctx, "GET", "/api/results", 200, 5*time.Millisecond)

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["service"] != "test-service" {
		t.Errorf("service = %v, want test-service", record["service"])
	}
	if record["trace_id"] != "t-1" {
		t.Errorf("trace_id = %v, want t-1", record["trace_id"])
	}
	if record["user"] != "bob" {
		t.Errorf("user = %v, want bob", record["user"])
	}
	if record["path"] != "/api/results" {
		t.Errorf("path = %v, want /api/results", record["path"])
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	log := New("svc", "nonsense", "text")
	if log.Logger.GetLevel().String() != "info" {
		t.Errorf("level = %s, want info", log.Logger.GetLevel())
	}
}
