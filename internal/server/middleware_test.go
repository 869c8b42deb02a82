package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSClosedAllowList(t *testing.T) {
	h := corsMiddleware([]string{"https://app.example.com"}, okHandler())

	// Allowed origin is reflected.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	// Unknown origins get no CORS headers at all.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	h := corsMiddleware([]string{"https://app.example.com"}, okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/sse", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	h := requestIDMiddleware(okHandler())

	// A well-formed client id is echoed.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-id-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-id-42", rec.Header().Get("X-Request-ID"))

	// Garbage is replaced with a fresh UUID.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "bad\x00id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	got := rec.Header().Get("X-Request-ID")
	assert.NotEqual(t, "bad\x00id", got)
	assert.NotEmpty(t, got)
}

func TestIsValidRequestID(t *testing.T) {
	assert.True(t, isValidRequestID("abc-123"))
	assert.False(t, isValidRequestID(""))
	assert.False(t, isValidRequestID(strings.Repeat("x", 129)))
	assert.False(t, isValidRequestID("has\ncontrol"))
	assert.False(t, isValidRequestID("héllo"))
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/join-waitlist",
		strings.NewReader(`{"email":"a@b.co","surprise":true}`))
	var target struct {
		Email string `json:"email"`
	}
	err := decodeJSON(req, &target, 1024)
	require.Error(t, err)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(discardLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
