// Package gateway implements the auth gateway and session binder fronting
// the MCP tool transport.
//
// Three jobs: authenticate the URL- or header-bound token when a stream
// opens, capture the upstream-assigned session identifier from the first
// handshake event and bind it to the authenticated principal, and inject
// that principal's token into every tools/call frame POSTed against the
// session — so the agent never sees the token and cannot forge one.
//
// The SSE stream itself is forwarded byte-for-byte: events are only
// accumulated and inspected until the session binding is captured, after
// which chunks pass straight through.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/artemgetmann/mindmirror/internal/model"
	"github.com/artemgetmann/mindmirror/internal/storage"
)

// TokenValidator resolves bearer tokens to principals. *storage.DB is the
// production implementation.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (model.Principal, error)
}

// Gateway proxies the stream and message endpoints of the tool transport.
type Gateway struct {
	upstreamURL  string
	tokens       TokenValidator
	sessions     *sessionTable
	allowedHosts map[string]bool // empty = check disabled
	canonicalHost string
	logger       *slog.Logger
	// client has no timeout: SSE streams are long-lived by design, and
	// cancellation rides on the request context instead.
	client *http.Client
}

// New creates a gateway fronting the tool transport at upstreamURL
// (scheme://host:port, no path). allowedHosts is the closed host
// allow-list for non-admin memory traffic; empty disables the check and
// the first entry is the canonical host named in policy errors.
func New(upstreamURL string, tokens TokenValidator, allowedHosts []string, logger *slog.Logger) *Gateway {
	hostSet := make(map[string]bool, len(allowedHosts))
	canonical := ""
	for i, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if i == 0 {
			canonical = h
		}
		hostSet[h] = true
	}
	return &Gateway{
		upstreamURL:   strings.TrimRight(upstreamURL, "/"),
		tokens:        tokens,
		sessions:      newSessionTable(logger),
		allowedHosts:  hostSet,
		canonicalHost: canonical,
		logger:        logger,
		client:        &http.Client{},
	}
}

// hostAllowed enforces the host allow-list for non-admin principals.
// Admin traffic and deployments without a configured list pass.
func (g *Gateway) hostAllowed(p model.Principal, r *http.Request) bool {
	if p.IsAdmin || len(g.allowedHosts) == 0 {
		return true
	}
	host := strings.ToLower(r.Host)
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = strings.ToLower(h)
	}
	return g.allowedHosts[host] || g.allowedHosts[strings.ToLower(r.Host)]
}

func (g *Gateway) writeForbiddenHost(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusForbidden, model.ErrCodeForbiddenHost,
		fmt.Sprintf("memory operations must go through %s", g.canonicalHost))
}

// authenticateRequest resolves the caller's principal from, in order, the
// Authorization: Bearer header and the token query parameter. The error
// message never reveals whether a token was ill-formed or unknown.
func (g *Gateway) authenticateRequest(r *http.Request) (model.Principal, error) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return model.Principal{}, errors.New("gateway: token required")
	}

	p, err := g.tokens.ValidateToken(r.Context(), token)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Principal{}, errors.New("gateway: invalid or expired token")
	}
	if err != nil {
		return model.Principal{}, fmt.Errorf("gateway: validate token: %w", err)
	}
	return p, nil
}

// HandleSSE terminates an authenticated streaming session and forwards the
// upstream event stream to the client unmodified.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticateRequest(r)
	if err != nil {
		if strings.Contains(err.Error(), "validate token") {
			g.logger.Error("stream auth backend error", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "authentication backend unavailable")
			return
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication token required or invalid")
		return
	}

	if !g.hostAllowed(p, r) {
		g.writeForbiddenHost(w, r)
		return
	}

	g.logger.Info("stream opened", "user_id", p.UserID)

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, g.upstreamURL+"/sse", nil)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	upReq.Header.Set("Accept", "text/event-stream")
	upReq.Header.Set("Cache-Control", "no-cache")

	resp, err := g.client.Do(upReq)
	if err != nil {
		g.logger.Error("upstream connect failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "tool transport unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		g.logger.Error("upstream returned non-200", "status", resp.StatusCode)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "tool transport unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable proxy buffering.
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	g.streamAndBind(w, flusher, resp.Body, p)
}

// streamAndBind copies the upstream stream to the client. Until the
// session binding is captured, bytes are also accumulated into complete
// events (\n\n boundaries) and inspected for the handshake's session
// identifier. After capture, the copy is pure passthrough.
func (g *Gateway) streamAndBind(w io.Writer, flusher http.Flusher, upstream io.Reader, p model.Principal) {
	buf := make([]byte, 8*1024)
	var pending []byte // unterminated event bytes, only while unbound
	bound := false
	var sessionID string

	defer func() {
		if sessionID != "" {
			g.sessions.Unbind(sessionID)
			g.logger.Info("stream closed", "session_id", sessionID, "user_id", p.UserID)
		}
	}()

	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			if !bound {
				pending = append(pending, chunk...)
				for {
					idx := bytes.Index(pending, []byte("\n\n"))
					if idx < 0 {
						break
					}
					event := pending[:idx+2]
					pending = pending[idx+2:]
					if id := extractSessionID(event); id != "" {
						if g.sessions.Bind(id, p) {
							sessionID = id
						}
						// First binder wins; either way, stop inspecting.
						bound = true
						pending = nil
						break
					}
				}
			}

			// Byte-for-byte forwarding: the chunk goes out exactly as it
			// came in, regardless of event boundaries.
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				g.logger.Warn("upstream stream ended", "error", readErr, "user_id", p.UserID)
			}
			return
		}
	}
}

// HandleMessages proxies tool-call frames to the upstream transport,
// injecting the bound principal's token into every tools/call payload.
// Authentication: the session binding established on the stream wins;
// only a request whose session id has no binding falls back to an
// explicit token. A request with neither is rejected.
func (g *Gateway) HandleMessages(w http.ResponseWriter, r *http.Request) {
	var p model.Principal

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	bound, boundOK := g.sessions.Lookup(sessionID)
	explicit, err := g.authenticateRequest(r)
	switch {
	case sessionID != "" && boundOK:
		p = bound
	case err == nil:
		p = explicit
	default:
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "token or valid session required")
		return
	}

	if !g.hostAllowed(p, r) {
		g.writeForbiddenHost(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4*1024*1024))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unreadable request body")
		return
	}

	if r.Method == http.MethodPost && len(body) > 0 {
		if rewritten, injected := injectUserToken(body, p.Token); injected {
			body = rewritten
		}
	}

	upURL := g.upstreamURL + r.URL.Path
	if r.URL.RawQuery != "" {
		upURL += "?" + r.URL.RawQuery
	}
	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, upURL, bytes.NewReader(body))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	copyProxyHeaders(upReq.Header, r.Header)
	upReq.ContentLength = int64(len(body))

	resp, err := g.client.Do(upReq)
	if err != nil {
		g.logger.Error("upstream message forward failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "tool transport unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vals := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Debug("response copy interrupted", "error", err)
	}
}

// copyProxyHeaders copies request headers to the upstream request, minus
// hop-by-hop headers and the ones the proxy owns (Host, Content-Length,
// Authorization — the token must not reach the upstream transport).
func copyProxyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopByHop(k) || strings.EqualFold(k, "Host") ||
			strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Authorization") {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(header string) bool {
	switch strings.ToLower(header) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailer", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

// SessionCount reports the number of live session bindings, for health
// reporting and tests.
func (g *Gateway) SessionCount() int {
	g.sessions.mu.RLock()
	defer g.sessions.mu.RUnlock()
	return len(g.sessions.bindings)
}
