package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectUserTokenOverwritesClientValue(t *testing.T) {
	// A client-supplied user_token must never survive: the gateway's
	// write is final.
	body := []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"remember","arguments":{"text":"hi","category":"goal","user_token":"attacker"}}}`)

	out, injected := injectUserToken(body, "real-token")
	require.True(t, injected)

	var frame struct {
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
		ID     int    `json:"id"`
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(out, &frame))
	assert.Equal(t, "real-token", frame.Params.Arguments["user_token"])
	assert.Equal(t, "hi", frame.Params.Arguments["text"])
	assert.Equal(t, "remember", frame.Params.Name)
	assert.Equal(t, 3, frame.ID)
	assert.Equal(t, "tools/call", frame.Method)
}

func TestInjectUserTokenAddsWhenAbsent(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"recall","arguments":{"query":"work"}}}`)

	out, injected := injectUserToken(body, "tok")
	require.True(t, injected)

	var frame struct {
		Params struct {
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(out, &frame))
	assert.Equal(t, "tok", frame.Params.Arguments["user_token"])
}

func TestInjectUserTokenPassesThroughNonToolCalls(t *testing.T) {
	cases := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`,                    // no arguments object
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"arguments":"oops"}}`, // arguments not an object
		`not json at all`,
	}
	for _, c := range cases {
		out, injected := injectUserToken([]byte(c), "tok")
		assert.False(t, injected, "case: %s", c)
		assert.Equal(t, c, string(out), "body must pass through unmodified")
	}
}

func TestExtractSessionID(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{"event: endpoint\ndata: /messages/?session_id=abc123def\n\n", "abc123def"},
		{"event: endpoint\ndata: /messages/?sessionId=0f8fad5b-d9cb-469f-a165-70867728950e\n\n", "0f8fad5b-d9cb-469f-a165-70867728950e"},
		{"event: message\ndata: {\"jsonrpc\":\"2.0\"}\n\n", ""},
		{": keepalive\n\n", ""},
	}
	for _, tt := range tests {
		if got := extractSessionID([]byte(tt.event)); got != tt.want {
			t.Fatalf("extractSessionID(%q) = %q, want %q", tt.event, got, tt.want)
		}
	}
}
