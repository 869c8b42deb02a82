package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/artemgetmann/mindmirror/internal/checkpoint"
	"github.com/artemgetmann/mindmirror/internal/engine"
	"github.com/artemgetmann/mindmirror/internal/model"
	"github.com/artemgetmann/mindmirror/internal/storage"
)

// userTokenDescription documents the reserved argument on every tool. The
// gateway writes it; agents never see the value and cannot override it.
const userTokenDescription = "Authentication token (injected by the proxy, not user-provided)"

func (s *Server) registerTools() {
	// remember — store one memory with dedup and conflict detection.
	s.mcpServer.AddTool(
		mcplib.NewTool("remember",
			mcplib.WithDescription(`Store a new memory with automatic duplicate rejection and conflict detection.

WHEN TO USE: the user states a lasting fact about themselves — a preference,
goal, routine, constraint, habit, project, tool, identity detail, or value.

WHAT YOU GET BACK: a stored confirmation with the new memory id, or a
duplicate notice (the memory already exists, exactly or near-verbatim), or a
quota notice. If storing succeeds but similar same-category memories exist,
they are listed as potential conflicts — relay them to the user.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("text",
				mcplib.Description("The memory text to store, as the user stated it"),
				mcplib.Required(),
			),
			mcplib.WithString("category",
				mcplib.Description("Category for the memory"),
				mcplib.Required(),
				mcplib.Enum(model.ValidTags()...),
			),
			mcplib.WithString("user_token",
				mcplib.Description(userTokenDescription),
			),
		),
		s.handleRemember,
	)

	// recall — hybrid semantic + keyword search with conflict surfacing.
	s.mcpServer.AddTool(
		mcplib.NewTool("recall",
			mcplib.WithDescription(`Search stored memories by meaning.

WHEN TO USE: before advising the user on anything personal, or whenever you
need to know what the user previously said about a topic.

The result separates the ranked memory list from CONFLICTS DETECTED groups.
When conflict groups are present you MUST surface them to the user and ask
which memory to keep.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural-language search query"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
			mcplib.WithString("category_filter",
				mcplib.Description("Optional category to restrict the search"),
				mcplib.Enum(model.ValidTags()...),
			),
			mcplib.WithString("user_token",
				mcplib.Description(userTokenDescription),
			),
		),
		s.handleRecall,
	)

	// forget — delete one memory by id.
	s.mcpServer.AddTool(
		mcplib.NewTool("forget",
			mcplib.WithDescription(`Delete a specific memory by its id.

WHEN TO USE: the user asks you to forget something, or resolves a conflict
by discarding one of the conflicting memories. Use the id from a previous
recall or what_do_you_know result.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("information_id",
				mcplib.Description("The id of the memory to delete"),
				mcplib.Required(),
			),
			mcplib.WithString("user_token",
				mcplib.Description(userTokenDescription),
			),
		),
		s.handleForget,
	)

	// what_do_you_know — inventory, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("what_do_you_know",
			mcplib.WithDescription(`List stored memories, newest first, optionally filtered by category.

WHEN TO USE: the user asks what you know about them, or you want an overview
before a conversation. No similarity search is involved.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("category",
				mcplib.Description("Optional category filter"),
				mcplib.Enum(model.ValidTags()...),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum memories to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(1000),
			),
			mcplib.WithString("user_token",
				mcplib.Description(userTokenDescription),
			),
		),
		s.handleInventory,
	)

	// checkpoint — save the single-slot conversation context.
	s.mcpServer.AddTool(
		mcplib.NewTool("checkpoint",
			mcplib.WithDescription(`Save the current conversation context. One slot per user: saving again
overwrites the previous checkpoint, and the response will say so — surface
that notice to the user verbatim.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("text",
				mcplib.Description("The conversation context to save"),
				mcplib.Required(),
			),
			mcplib.WithString("title",
				mcplib.Description("Optional short title for the checkpoint"),
			),
			mcplib.WithString("user_token",
				mcplib.Description(userTokenDescription),
			),
		),
		s.handleCheckpoint,
	)

	// resume — restore the saved conversation context.
	s.mcpServer.AddTool(
		mcplib.NewTool("resume",
			mcplib.WithDescription(`Restore the previously saved conversation context, if any.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("user_token",
				mcplib.Description(userTokenDescription),
			),
		),
		s.handleResume,
	)
}

// authenticate reads the reserved user_token argument and resolves it to a
// principal. Every tool goes through here. A missing token and a token the
// store does not accept get different messages. No result payload echoes
// the token.
func (s *Server) authenticate(ctx context.Context, request mcplib.CallToolRequest) (model.Principal, *mcplib.CallToolResult) {
	token := request.GetString("user_token", "")
	if token == "" {
		return model.Principal{}, errorResult("Error: no authentication token found. Connect through the authenticated stream endpoint.")
	}
	p, err := s.db.ValidateToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Principal{}, errorResult("Error: invalid or expired token.")
	}
	if err != nil {
		s.logger.Error("token validation failed", "error", err)
		return model.Principal{}, errorResult("Error: memory backend temporarily unavailable, please retry.")
	}
	return p, nil
}

func (s *Server) handleRemember(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, errResult := s.authenticate(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	text := strings.TrimSpace(request.GetString("text", ""))
	if text == "" {
		return errorResult("Error: text is required"), nil
	}
	tag := model.Tag(request.GetString("category", ""))

	outcome, err := s.engine.Remember(ctx, p, text, tag)
	if errors.Is(err, engine.ErrInvalidTag) {
		return errorResult(invalidTagMessage(string(tag))), nil
	}
	if err != nil {
		s.logger.Error("remember failed", "error", err, "user_id", p.UserID)
		return errorResult("Error storing memory: backend temporarily unavailable, please retry."), nil
	}

	return textResult(formatStoreOutcome(text, tag, outcome)), nil
}

func (s *Server) handleRecall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, errResult := s.authenticate(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	query := strings.TrimSpace(request.GetString("query", ""))
	if query == "" {
		return errorResult("Error: query is required"), nil
	}
	limit := request.GetInt("limit", 10)
	if limit <= 0 {
		return errorResult("Error: limit must be positive"), nil
	}

	var tagFilter *model.Tag
	if raw := request.GetString("category_filter", ""); raw != "" {
		t := model.Tag(raw)
		tagFilter = &t
	}

	result, err := s.engine.Recall(ctx, p, query, limit, tagFilter)
	if errors.Is(err, engine.ErrInvalidTag) {
		return errorResult(invalidTagMessage(request.GetString("category_filter", ""))), nil
	}
	if err != nil {
		s.logger.Error("recall failed", "error", err, "user_id", p.UserID)
		return errorResult("Error searching memories: backend temporarily unavailable, please retry."), nil
	}

	return textResult(formatRecallResult(result)), nil
}

func (s *Server) handleForget(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, errResult := s.authenticate(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	id := strings.TrimSpace(request.GetString("information_id", ""))
	if id == "" {
		return errorResult("Error: information_id is required"), nil
	}

	m, err := s.engine.Forget(ctx, p, id)
	if errors.Is(err, engine.ErrNotFound) {
		return textResult(fmt.Sprintf("Memory %s not found.", id)), nil
	}
	if err != nil {
		s.logger.Error("forget failed", "error", err, "user_id", p.UserID)
		return errorResult("Error deleting memory: backend temporarily unavailable, please retry."), nil
	}

	return textResult(fmt.Sprintf("Memory %s deleted: %q (%s)", m.ID, m.Text, m.Tag)), nil
}

func (s *Server) handleInventory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, errResult := s.authenticate(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	limit := request.GetInt("limit", 1000)
	if limit <= 0 {
		return errorResult("Error: limit must be positive"), nil
	}
	var tagFilter *model.Tag
	if raw := request.GetString("category", ""); raw != "" {
		t := model.Tag(raw)
		tagFilter = &t
	}

	memories, err := s.engine.Inventory(ctx, p, tagFilter, limit)
	if errors.Is(err, engine.ErrInvalidTag) {
		return errorResult(invalidTagMessage(request.GetString("category", ""))), nil
	}
	if err != nil {
		s.logger.Error("inventory failed", "error", err, "user_id", p.UserID)
		return errorResult("Error listing memories: backend temporarily unavailable, please retry."), nil
	}

	return textResult(formatInventory(memories, tagFilter)), nil
}

func (s *Server) handleCheckpoint(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, errResult := s.authenticate(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	content := request.GetString("text", "")
	if strings.TrimSpace(content) == "" {
		return errorResult("Error: text is required"), nil
	}
	var title *string
	if raw := request.GetString("title", ""); raw != "" {
		title = &raw
	}

	result, err := s.checkpoints.Save(ctx, p, content, title)
	if err != nil {
		s.logger.Error("checkpoint failed", "error", err, "user_id", p.UserID)
		return errorResult("Error saving checkpoint: backend temporarily unavailable, please retry."), nil
	}

	return textResult(formatCheckpointResult(result)), nil
}

func (s *Server) handleResume(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, errResult := s.authenticate(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	c, err := s.checkpoints.Resume(ctx, p)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return textResult("No saved checkpoint. Use the checkpoint tool to save the current conversation context."), nil
	}
	if err != nil {
		s.logger.Error("resume failed", "error", err, "user_id", p.UserID)
		return errorResult("Error restoring checkpoint: backend temporarily unavailable, please retry."), nil
	}

	return textResult(formatResume(c)), nil
}

func invalidTagMessage(got string) string {
	return fmt.Sprintf("Error: invalid category %q. Must be one of: %s", got, strings.Join(model.ValidTags(), ", "))
}
