package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/jobintel/internal/storage"
)

// NewMCPServer creates an MCP server exposing job intelligence tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"jobintel",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("jobintel: freelance job postings with client intelligence extracted from job history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("job_intel",
			mcp.WithDescription("Return a stored job with its client intelligence (client names, company, location, keywords, summary) and historical comments."),
			mcp.WithString("job_id", mcp.Description("Marketplace job id")),
			mcp.WithString("id", mcp.Description("Internal job id, used when job_id is empty")),
			mcp.WithBoolean("refresh", mcp.Description("Recompute the enrichment instead of using the cached one")),
			mcp.WithBoolean("need_comments", mcp.Description("Include comments (default true)")),
		),
		mcpJobIntel(deps),
	)

	return s
}

func mcpJobIntel(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		detail, err := LoadDetail(ctx, deps, DetailRequest{
			JobID:        req.GetString("job_id", ""),
			ID:           req.GetString("id", ""),
			Refresh:      req.GetBool("refresh", false),
			NeedComments: req.GetBool("need_comments", true),
		})
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			return mcpError(verr.Message), nil
		case errors.Is(err, storage.ErrNotFound):
			return mcpError("job not found"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("loading job: %v", err)), nil
		}

		b, err := json.Marshal(detail)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
