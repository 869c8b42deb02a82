// Package mcp implements the Model Context Protocol server for MindMirror.
//
// It exposes the six memory tools (remember, recall, forget,
// what_do_you_know, checkpoint, resume) over the MCP tool-call transport.
// Authentication is per call: the gateway injects the reserved user_token
// argument into every tools/call frame, and each handler reads it, maps
// it to a principal, and acts on that principal's memories only. No result
// payload echoes the token.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/artemgetmann/mindmirror/internal/checkpoint"
	"github.com/artemgetmann/mindmirror/internal/engine"
	"github.com/artemgetmann/mindmirror/internal/storage"
)

// serverInstructions is sent to every MCP client during the initialize
// handshake, so connected agents know the remember/recall workflow without
// per-project configuration.
const serverInstructions = `You have access to MindMirror, a long-term memory for your user.

WORKFLOW:

1. When the user states a lasting fact, preference, goal, constraint, habit,
   or identity detail, call remember with the text and the closest category.
2. Before advising the user on anything personal, call recall with a short
   natural-language query and use what comes back.
3. If recall reports CONFLICTS DETECTED, tell the user about the conflicting
   memories and ask which one to keep. Resolve with forget once they answer.

TOOLS:
- remember: store one memory (text + category)
- recall: semantic search over stored memories, with conflict surfacing
- forget: delete a memory by its id
- what_do_you_know: list stored memories, newest first
- checkpoint: save the current conversation context (one slot, overwrites)
- resume: restore the saved conversation context

Do not store your own suggestions or guidance as memories. Store what the
user actually said about themselves.`

// Server wraps the MCP server with MindMirror's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	db          *storage.DB
	engine      *engine.Engine
	checkpoints *checkpoint.Service
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(db *storage.DB, eng *engine.Engine, checkpoints *checkpoint.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:          db,
		engine:      eng,
		checkpoints: checkpoints,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mindmirror",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}
