package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

// RequestIDKey is the context key for request correlation ids.
const RequestIDKey = contextKey("request-id")

// RequestIDHeader carries the correlation id end to end. Connectors may
// supply their own id so a handoff can be traced back through their logs.
const RequestIDHeader = "X-Request-ID"

// Inbound ids longer than this are replaced, not truncated; an id that was
// tampered with is worthless for correlation anyway.
const maxRequestIDLen = 64

// RequestID tags every request with a correlation id, echoes it on the
// response and stores it in the request context for the logger to pick up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = newRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// newRequestID mints a time-ordered id so log searches over an incident
// window stay cheap. Falls back to v4 if the monotonic source misbehaves.
func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// GetRequestID extracts the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}
