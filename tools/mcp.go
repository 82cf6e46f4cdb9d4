package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
)

// MCPSource connects to one externally-discovered MCP tool server over
// stdio (the Yahoo Finance / TradingView / SEC EDGAR servers in
// production; this package only needs the client contract) and folds its
// tools into the same Registry namespace as the in-process tools, so
// downstream callers never distinguish origin.
type MCPSource struct {
	name    string
	command string
	args    []string
	env     map[string]string

	mcpClient *client.Client
}

// NewMCPSource builds an MCP source for a stdio-launched tool server.
func NewMCPSource(name, command string, args []string, env map[string]string) *MCPSource {
	return &MCPSource{name: name, command: command, args: args, env: env}
}

// Discover launches the server, performs the MCP initialize handshake,
// lists its tools, and registers each one into reg under its own name.
// Tools whose name collides with an already-registered in-process tool
// overwrite it, matching the registry's general "last registration wins"
// rule.
func (s *MCPSource) Discover(ctx context.Context, reg *Registry) error {
	envArgs := make([]string, 0, len(s.env))
	for k, v := range s.env {
		envArgs = append(envArgs, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(s.command, envArgs, s.args...)
	if err != nil {
		return fmt.Errorf("mcp(%s): launch: %w", s.name, err)
	}
	s.mcpClient = c

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "fingpt-research-agent", Version: "1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("mcp(%s): initialize: %w", s.name, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("mcp(%s): list tools: %w", s.name, err)
	}

	for _, t := range listResp.Tools {
		if err := reg.Register(&mcpTool{source: s, name: t.Name, description: t.Description, schema: convertInputSchema(t.InputSchema)}); err != nil {
			return fmt.Errorf("mcp(%s): register tool %q: %w", s.name, t.Name, err)
		}
	}
	return nil
}

// Close shuts down the underlying MCP client process.
func (s *MCPSource) Close() error {
	if s.mcpClient == nil {
		return nil
	}
	return s.mcpClient.Close()
}

type mcpTool struct {
	source      *MCPSource
	name        string
	description string
	schema      map[string]any
}

func (t *mcpTool) Name() string                { return t.name }
func (t *mcpTool) Description() string         { return t.description }
func (t *mcpTool) InputSchema() map[string]any { return t.schema }

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := t.source.mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", apperr.New(apperr.KindToolFailed, "mcp:"+t.name, err)
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(tc.Text)
		}
	}
	if resp.IsError {
		return "", apperr.New(apperr.KindToolFailed, "mcp:"+t.name, fmt.Errorf("%s", sb.String()))
	}
	return sb.String(), nil
}

// convertInputSchema converts the MCP wire input schema into the
// map[string]any shape ToolDefinition.Parameters expects.
func convertInputSchema(s mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": "object"}
	if len(s.Properties) > 0 {
		out["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}
