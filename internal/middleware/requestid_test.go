package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func echoRequestID(captured *string) http.Handler {
	return RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRequestIDPropagatesInboundHeader(t *testing.T) {
	var got string
	handler := echoRequestID(&got)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "conn-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got != "conn-42" {
		t.Errorf("context request id = %q, want %q", got, "conn-42")
	}
	if rec.Header().Get(RequestIDHeader) != "conn-42" {
		t.Errorf("response header = %q, want %q", rec.Header().Get(RequestIDHeader), "conn-42")
	}
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var got string
	handler := echoRequestID(&got)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got == "" {
		t.Fatal("expected a generated request id")
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("generated id %q is not a uuid: %v", got, err)
	}
	if rec.Header().Get(RequestIDHeader) != got {
		t.Errorf("response header = %q, want %q", rec.Header().Get(RequestIDHeader), got)
	}
}

func TestRequestIDReplacesOversizedHeader(t *testing.T) {
	var got string
	handler := echoRequestID(&got)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if strings.Contains(got, "xxx") {
		t.Errorf("oversized inbound id was kept: %q", got)
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("replacement id %q is not a uuid: %v", got, err)
	}
}
