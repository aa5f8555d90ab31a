// Package server exposes the proxy over MCP stdio. Only the three virtual
// tools are registered, so the caller's tools/list is sparse by
// construction; everything else is reachable through mcp_discover and
// mcp_call.
package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bdobrica/Kagami/internal/kagami/proxy"
	"github.com/bdobrica/Kagami/internal/kagami/registry"
)

const instructions = `This proxy aggregates many MCP servers behind three tools.
Start with mcp_discover("$.tools[*].name") to see every available tool,
then invoke one with mcp_call(method="tools/call",
params={"name": "<server>::<tool>", "arguments": {...}}).
Use onboarding(identity="...") to retrieve instructions left for you.`

type discoverArgs struct {
	JSONPath string `json:"jsonpath"`
}

type callArgs struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	Server string         `json:"server,omitempty"`
}

type onboardingArgs struct {
	Identity     string `json:"identity"`
	Instructions string `json:"instructions,omitempty"`
	Append       bool   `json:"append,omitempty"`
}

// Server is the stdio MCP front-end.
type Server struct {
	px     *proxy.Proxy
	mcp    *mcp.Server
	logger *slog.Logger
}

// New builds the front-end and registers the sparse tool set.
func New(px *proxy.Proxy, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		px: px,
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: "kagami", Version: version},
			&mcp.ServerOptions{Instructions: instructions},
		),
		logger: logger.With("component", "server"),
	}

	mcp.AddTool(s.mcp, sparseTool("mcp_discover"),
		func(ctx context.Context, req *mcp.CallToolRequest, args discoverArgs) (*mcp.CallToolResult, any, error) {
			raw, err := s.px.Call(ctx, "mcp_discover", map[string]any{"jsonpath": args.JSONPath})
			if err != nil {
				return errorResult(err), nil, nil
			}
			return resultFromRaw(raw), nil, nil
		})

	mcp.AddTool(s.mcp, sparseTool("mcp_call"),
		func(ctx context.Context, req *mcp.CallToolRequest, args callArgs) (*mcp.CallToolResult, any, error) {
			toolArgs := map[string]any{"method": args.Method, "params": args.Params}
			if args.Server != "" {
				toolArgs["server"] = args.Server
			}
			raw, err := s.px.Call(ctx, "mcp_call", toolArgs)
			if err != nil {
				return errorResult(err), nil, nil
			}
			return resultFromRaw(raw), nil, nil
		})

	mcp.AddTool(s.mcp, sparseTool("onboarding"),
		func(ctx context.Context, req *mcp.CallToolRequest, args onboardingArgs) (*mcp.CallToolResult, any, error) {
			toolArgs := map[string]any{"identity": args.Identity}
			if args.Instructions != "" {
				toolArgs["instructions"] = args.Instructions
			}
			if args.Append {
				toolArgs["append"] = true
			}
			raw, err := s.px.Call(ctx, "onboarding", toolArgs)
			if err != nil {
				return errorResult(err), nil, nil
			}
			return resultFromRaw(raw), nil, nil
		})

	return s
}

// Run serves the stdio transport until ctx is cancelled or the stream ends.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func sparseTool(name string) *mcp.Tool {
	def, _ := registry.SparseTool(name)
	return &mcp.Tool{Name: def.Name, Description: def.Description}
}

// resultFromRaw converts a backend's raw tools/call result into the SDK's
// shape. Text content blocks relay as-is; anything else relays as the JSON
// of the whole result, still verbatim in value.
func resultFromRaw(raw json.RawMessage) *mcp.CallToolResult {
	var decoded struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &decoded); err == nil && len(decoded.Content) > 0 {
		allText := true
		for _, c := range decoded.Content {
			if c.Type != "text" {
				allText = false
				break
			}
		}
		if allText {
			out := &mcp.CallToolResult{IsError: decoded.IsError}
			for _, c := range decoded.Content {
				out.Content = append(out.Content, &mcp.TextContent{Text: c.Text})
			}
			return out
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
