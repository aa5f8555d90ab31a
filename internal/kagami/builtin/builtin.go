// Package builtin provides the in-process backend: tools served directly by
// the Kagami runtime rather than by a spawned process. It speaks the same
// request surface as any other backend connection, so the pool routes to it
// without special cases.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bdobrica/Kagami/internal/kagami/backend"
	"github.com/bdobrica/Kagami/internal/kagami/jsonrpc"
	"github.com/bdobrica/Kagami/internal/kagami/registry"
)

// Tool is the interface all built-in tools implement.
type Tool interface {
	// Definition returns the advertised tool descriptor, exactly as a
	// spawned backend would report it over tools/list.
	Definition() registry.Tool

	// Execute runs the tool and returns text for the caller.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Conn is an in-process backend.Conn. It is Ready from creation, spawns
// nothing, and cannot crash; Close is the only path to Terminated.
// Populate it with Register before serving requests.
type Conn struct {
	name   string
	desc   string
	logger *slog.Logger
	tools  map[string]Tool
	order  []string
	closed atomic.Bool
}

// New creates an empty built-in backend.
func New(name, description string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		name:   name,
		desc:   description,
		logger: logger.With("backend", name),
		tools:  make(map[string]Tool),
	}
}

// Register adds t. It panics on a duplicate name, which indicates a
// programming error in the startup sequence.
func (c *Conn) Register(t Tool) {
	name := t.Definition().Name
	if _, dup := c.tools[name]; dup {
		panic("builtin: duplicate tool registration: " + name)
	}
	c.tools[name] = t
	c.order = append(c.order, name)
}

func (c *Conn) Name() string        { return c.name }
func (c *Conn) Description() string { return c.desc }

func (c *Conn) State() backend.State {
	if c.closed.Load() {
		return backend.StateTerminated
	}
	return backend.StateReady
}

// ToolNames returns the registered tool names in registration order. These
// double as unqualified routing aliases.
func (c *Conn) ToolNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("backend %q: %w", c.name, backend.ErrBackendUnavailable)
	}
	switch method {
	case "initialize":
		return json.Marshal(map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": c.name, "version": "1"},
		})
	case "tools/list":
		tools := make([]registry.Tool, 0, len(c.order))
		for _, name := range c.order {
			tools = append(tools, c.tools[name].Definition())
		}
		return json.Marshal(map[string]any{"tools": tools})
	case "tools/call":
		return c.callTool(ctx, params)
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not supported: " + method}
	}
}

func (c *Conn) callTool(ctx context.Context, params any) (json.RawMessage, error) {
	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := reencode(params, &req); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "bad tools/call params: " + err.Error()}
	}

	// Accept both the namespaced and the alias form.
	name := strings.TrimPrefix(req.Name, c.name+"::")
	tool, ok := c.tools[name]
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "unknown built-in tool: " + req.Name}
	}

	text, err := tool.Execute(ctx, req.Arguments)
	if err != nil {
		c.logger.Warn("built-in tool failed", "tool", name, "err", err)
		return toolResult(err.Error(), true)
	}
	return toolResult(text, false)
}

// Notify is accepted and dropped; the built-in backend has no use for
// notifications.
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return fmt.Errorf("backend %q: %w", c.name, backend.ErrBackendUnavailable)
	}
	return nil
}

func (c *Conn) OnMessage(backend.Handler) {}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

func toolResult(text string, isError bool) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isError,
	})
}

// reencode converts params of any shape into the target struct via JSON.
func reencode(params, target any) error {
	var data []byte
	switch v := params.(type) {
	case nil:
		return fmt.Errorf("missing params")
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, target)
}
