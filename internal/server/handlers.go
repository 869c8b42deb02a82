package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/artemgetmann/mindmirror/internal/ctxutil"
	"github.com/artemgetmann/mindmirror/internal/model"
	"github.com/artemgetmann/mindmirror/internal/storage"
)

// Handlers holds dependencies for the token issuance and ops endpoints.
type Handlers struct {
	db          *storage.DB
	logger      *slog.Logger
	version     string
	memoryQuota int
	publicURL   string // Base URL echoed in generate-token responses.
}

// NewHandlers creates the handler set.
func NewHandlers(db *storage.DB, logger *slog.Logger, version string, memoryQuota int, publicURL string) *Handlers {
	return &Handlers{
		db:          db,
		logger:      logger,
		version:     version,
		memoryQuota: memoryQuota,
		publicURL:   strings.TrimRight(publicURL, "/"),
	}
}

const maxRequestBody = 64 * 1024

// HandleGenerateToken mints a new principal and bearer token.
func (h *Handlers) HandleGenerateToken(w http.ResponseWriter, r *http.Request) {
	var req model.GenerateTokenRequest
	// An empty body is fine; user_name is optional.
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req, maxRequestBody); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
			return
		}
	}

	t, err := h.db.IssueToken(r.Context(), strings.TrimSpace(req.UserName))
	if err != nil {
		h.writeInternalError(w, r, "token issuance failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.GenerateTokenResponse{
		Token:        t.Value,
		UserID:       t.UserID,
		URL:          fmt.Sprintf("%s/sse?token=%s", h.publicURL, t.Value),
		MemoryLimit:  h.memoryQuota,
		MemoriesUsed: 0,
	})
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// HandleJoinWaitlist appends an email to the waitlist. Idempotent on email.
func (h *Handlers) HandleJoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req model.JoinWaitlistRequest
	if err := decodeJSON(r, &req, maxRequestBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !emailPattern.MatchString(email) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid email format")
		return
	}

	// A referring token may arrive as a query parameter; it is recorded
	// but never validated — the waitlist accepts anyone.
	referrer := r.URL.Query().Get("token")

	if err := h.db.AddWaitlistEmail(r.Context(), email, referrer); err != nil {
		h.writeInternalError(w, r, "waitlist insert failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.JoinWaitlistResponse{
		Message: "you're on the list — we'll be in touch",
		Email:   email,
	})
}

// HandleHealth reports liveness, including database connectivity.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "ok"
	status := "healthy"
	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "unreachable"
		status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
	})
}

// writeInternalError logs the underlying error and writes a generic 500
// response, keeping internal detail out of the client-visible message.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
