// Package gateway implements the sparse-mode illusion: the caller only ever
// sees the fixed virtual tool set, while every real tool stays reachable
// through discovery and the universal call tool.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Kagami/internal/kagami/backend"
	"github.com/bdobrica/Kagami/internal/kagami/jsonrpc"
	"github.com/bdobrica/Kagami/internal/kagami/pool"
	"github.com/bdobrica/Kagami/internal/kagami/registry"
)

// Gateway intercepts tool listings and virtual tool invocations; everything
// else passes through to the pool untouched.
type Gateway struct {
	pool    *pool.Pool
	logger  *slog.Logger
	schemas map[string]*jsonschema.Schema
}

// New compiles the virtual tools' argument schemas up front so a bad embed
// fails at startup, not on the first call.
func New(p *pool.Pool, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		pool:    p,
		logger:  logger.With("component", "gateway"),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, tool := range registry.SparseView() {
		compiler := jsonschema.NewCompiler()
		url := tool.Name + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(tool.InputSchema)); err != nil {
			return nil, fmt.Errorf("load schema for %s: %w", tool.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", tool.Name, err)
		}
		g.schemas[tool.Name] = schema
	}
	return g, nil
}

// ListTools is what the caller receives for tools/list: always the sparse
// set, whatever the catalog holds.
func (g *Gateway) ListTools() []registry.Tool {
	return registry.SparseView()
}

// CallTool executes a tools/call addressed to name. Virtual tools are
// handled in the proxy layer; any other name forwards to its backend.
func (g *Gateway) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	switch name {
	case "mcp_discover":
		if err := g.validate(name, args); err != nil {
			return nil, err
		}
		return g.discover(args)
	case "mcp_call":
		if err := g.validate(name, args); err != nil {
			return nil, err
		}
		return g.universalCall(ctx, args)
	default:
		return g.forwardToolCall(ctx, name, "", args)
	}
}

// Discover runs a discovery expression against the catalog. Pure read: no
// backend is touched, and it works with zero backends configured.
func (g *Gateway) Discover(expr string) (any, error) {
	return g.pool.Registry().Query(expr)
}

// Dispatch forwards an arbitrary method to a backend: the named server when
// given, the default backend otherwise. tools/call methods route by the
// embedded tool name instead.
func (g *Gateway) Dispatch(ctx context.Context, method string, params map[string]any, server string) (json.RawMessage, error) {
	if method == "tools/call" {
		toolName, _ := params["name"].(string)
		args, _ := params["arguments"].(map[string]any)
		return g.forwardToolCall(ctx, toolName, server, args)
	}

	var (
		conn backend.Conn
		ok   bool
	)
	if server != "" {
		conn, ok = g.pool.Get(server)
	} else {
		conn, ok = g.pool.Default()
	}
	if !ok {
		return nil, fmt.Errorf("method %q: no target backend: %w", method, pool.ErrUnknownTool)
	}
	return conn.Call(ctx, method, params)
}

func (g *Gateway) discover(args map[string]any) (json.RawMessage, error) {
	expr, _ := args["jsonpath"].(string)
	result, err := g.pool.Registry().Query(expr)
	if err != nil {
		return nil, err
	}

	text := "No matches found"
	if result != nil {
		pretty, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode discovery result: %w", err)
		}
		text = string(pretty)
	}
	return toolText(text)
}

// universalCall unwraps the embedded method and params and re-dispatches
// them as a genuine call, relaying the result verbatim.
func (g *Gateway) universalCall(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	method, _ := args["method"].(string)
	params, _ := args["params"].(map[string]any)
	server, _ := args["server"].(string)
	return g.Dispatch(ctx, method, params, server)
}

func (g *Gateway) forwardToolCall(ctx context.Context, toolName, server string, args map[string]any) (json.RawMessage, error) {
	conn, localName, err := g.pool.Route(toolName, server)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return conn.Call(ctx, "tools/call", map[string]any{
		"name":      localName,
		"arguments": args,
	})
}

func (g *Gateway) validate(toolName string, args map[string]any) error {
	schema, ok := g.schemas[toolName]
	if !ok {
		return nil
	}
	// The validator wants plain decoded JSON values.
	var generic any = map[string]any(args)
	if args == nil {
		generic = map[string]any{}
	}
	if err := schema.Validate(generic); err != nil {
		return &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("invalid %s arguments: %v", toolName, err),
		}
	}
	return nil
}

func toolText(text string) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}
