package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
)

func TestWriteSuccessEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, http.StatusCreated, map[string]interface{}{"value": 12})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	if body["value"] != float64(12) {
		t.Errorf("value = %v, want 12", body["value"])
	}
}

func TestWriteServiceErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/results", nil)
	WriteServiceError(rec, req, apperrors.Unauthorized("bad credentials"))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Success {
		t.Error("success should be false")
	}
	if body.Error.Code != apperrors.CodeUnauthorized {
		t.Errorf("code = %q, want unauthorized", body.Error.Code)
	}
}

func TestWriteServiceErrorHidesPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteServiceError(rec, nil, errStub("secret database detail"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret database detail") {
		t.Error("internal error detail leaked to client")
	}
}

type errStub string

func (e errStub) Error() string { return string(e) }

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"value": 7}`))
	var payload struct {
		Value int `json:"value"`
	}
	if err := DecodeJSON(req, &payload); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if payload.Value != 7 {
		t.Errorf("value = %d, want 7", payload.Value)
	}

	bad := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"value":`))
	err := DecodeJSON(bad, &payload)
	if apperrors.CodeOf(err) != apperrors.CodeInvalid {
		t.Errorf("CodeOf() = %q, want invalid", apperrors.CodeOf(err))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"direct public", "203.0.113.9:4431", "198.51.100.1", "203.0.113.9"},
		{"private peer trusts xff", "10.0.0.2:1234", "198.51.100.1", "198.51.100.1"},
		{"loopback trusts xff chain", "127.0.0.1:9999", "198.51.100.7, 10.0.0.1", "198.51.100.7"},
		{"no forwarded header", "192.168.1.5:80", "", "192.168.1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
