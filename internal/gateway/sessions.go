package gateway

import (
	"log/slog"
	"sync"

	"github.com/artemgetmann/mindmirror/internal/model"
)

// sessionTable maps upstream-assigned session identifiers to the principal
// that was authenticated on the stream where the handshake appeared.
// Shared across all connections.
type sessionTable struct {
	mu       sync.RWMutex
	bindings map[string]model.Principal
	logger   *slog.Logger
}

func newSessionTable(logger *slog.Logger) *sessionTable {
	return &sessionTable{
		bindings: make(map[string]model.Principal),
		logger:   logger,
	}
}

// Bind records session_id -> principal. First binder wins: if the session
// is already bound to a different principal this is a fixation attempt —
// it is logged and the existing binding is kept. Returns whether the
// caller's binding is in effect.
func (t *sessionTable) Bind(sessionID string, p model.Principal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.bindings[sessionID]; ok {
		if existing.UserID != p.UserID {
			t.logger.Warn("session fixation attempt: session already bound to another principal",
				"session_id", sessionID,
				"bound_user", existing.UserID,
				"attempted_user", p.UserID,
			)
			return false
		}
		return true
	}

	t.bindings[sessionID] = p
	t.logger.Info("session bound", "session_id", sessionID, "user_id", p.UserID)
	return true
}

// Lookup resolves a session id to its bound principal.
func (t *sessionTable) Lookup(sessionID string) (model.Principal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.bindings[sessionID]
	return p, ok
}

// Unbind removes a session binding (stream closed).
func (t *sessionTable) Unbind(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, sessionID)
}
