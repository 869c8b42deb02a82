package gateway

import (
	"encoding/json"
	"regexp"
)

// sessionIDPattern matches the session identifier the downstream transport
// names in its handshake event, e.g. "data: /messages/?session_id=ab12…".
// Both session_id and sessionId spellings appear in the wild, and ids may
// be bare hex or hyphenated UUIDs.
var sessionIDPattern = regexp.MustCompile(`session_?[iI]d=([a-fA-F0-9-]+)`)

// extractSessionID pulls the session identifier out of a complete SSE
// event. Only endpoint handshake events carry one; anything else returns
// "".
func extractSessionID(event []byte) string {
	m := sessionIDPattern.FindSubmatch(event)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// injectUserToken rewrites a JSON-RPC body: when the frame is a tools/call
// with an object arguments field, arguments.user_token is set to token —
// overwriting whatever the client supplied. Returns the (possibly
// rewritten) body and whether a rewrite happened. Non-tool-call frames and
// unparseable bodies pass through unchanged.
func injectUserToken(body []byte, token string) ([]byte, bool) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(body, &frame); err != nil {
		return body, false
	}

	var method string
	if raw, ok := frame["method"]; !ok || json.Unmarshal(raw, &method) != nil || method != "tools/call" {
		return body, false
	}

	var params map[string]json.RawMessage
	if raw, ok := frame["params"]; !ok || json.Unmarshal(raw, &params) != nil {
		return body, false
	}

	var arguments map[string]any
	if raw, ok := params["arguments"]; !ok || json.Unmarshal(raw, &arguments) != nil || arguments == nil {
		return body, false
	}

	arguments["user_token"] = token

	argBytes, err := json.Marshal(arguments)
	if err != nil {
		return body, false
	}
	params["arguments"] = argBytes

	paramBytes, err := json.Marshal(params)
	if err != nil {
		return body, false
	}
	frame["params"] = paramBytes

	out, err := json.Marshal(frame)
	if err != nil {
		return body, false
	}
	return out, true
}
