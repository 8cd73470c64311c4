package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hkdinner/dinner/internal/family"
	"github.com/hkdinner/dinner/internal/models"
	"github.com/hkdinner/dinner/internal/state"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *family.Service
	State   *state.Store
}

// NewMCPServer creates an MCP server with the dinner tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"dinner",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("今晚食唔食飯: see who is home for dinner tonight and answer for yourself."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("dinner_today",
			mcp.WithDescription("Show tonight's dinner roster: every family member and whether they are eating at home."),
		),
		mcpToday(deps),
	)

	s.AddTool(
		mcp.NewTool("dinner_reply",
			mcp.WithDescription("Answer for the signed-in member whether they eat at home tonight."),
			mcp.WithString("status",
				mcp.Description("yes, no or unknown"),
				mcp.Required(),
				mcp.Enum(string(models.StatusYes), string(models.StatusNo), string(models.StatusUnknown)),
			),
		),
		mcpReply(deps),
	)

	s.AddTool(
		mcp.NewTool("dinner_verify_invite",
			mcp.WithDescription("Look up a family invite code and return the family it belongs to."),
			mcp.WithString("code", mcp.Description("Invite code, case-insensitive"), mcp.Required()),
		),
		mcpVerifyInvite(deps),
	)

	s.AddTool(
		mcp.NewTool("dinner_history",
			mcp.WithDescription("Daily yes/no/unknown tallies for the family, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of days (default 7)")),
		),
		mcpHistory(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"dinner://state",
			"App State",
			mcp.WithResourceDescription("Signed-in identity and family membership as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(deps),
	)

	return s
}

func mcpToday(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t, err := deps.Service.Today(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("today failed: %v", err)), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%s  %s %d  %s %d  %s %d\n", t.Label,
			models.StatusYes.Token(), t.Yes, models.StatusNo.Token(), t.No, models.StatusUnknown.Token(), t.Unknown)
		for _, m := range t.Members {
			fmt.Fprintf(&b, "%s %s（%s）%s\n", m.Status.Token(), m.DisplayName, m.Role, m.Status.Label())
		}
		return mcpText(strings.TrimRight(b.String(), "\n")), nil
	}
}

func mcpReply(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("status")
		if err != nil {
			return mcpError("status is required"), nil
		}
		status, err := models.ParseStatus(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		row, err := deps.Service.Reply(ctx, status)
		if err != nil {
			return mcpError(fmt.Sprintf("reply failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%s 已記錄：%s（%s %d  %s %d  %s %d）", row.Label, status.Label(),
			models.StatusYes.Token(), row.Yes, models.StatusNo.Token(), row.No, models.StatusUnknown.Token(), row.Unknown)), nil
	}
}

func mcpVerifyInvite(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, err := req.RequireString("code")
		if err != nil {
			return mcpError("code is required"), nil
		}

		v, err := deps.Service.VerifyInvite(ctx, code)
		if err != nil {
			return mcpError(fmt.Sprintf("verify failed: %v", err)), nil
		}

		b, err := json.Marshal(v)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 7)
		if limit <= 0 {
			limit = 7
		}

		rows, err := deps.Service.History(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}
		if len(rows) > limit {
			rows = rows[:limit]
		}

		b, err := json.Marshal(rows)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceState(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.State.Load())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal state: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
