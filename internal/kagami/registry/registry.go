// Package registry aggregates tool metadata across backends and answers
// discovery queries over it. The catalog is the only shared mutable view of
// what tools exist; every update is scoped to a single backend and replaces
// that backend's entries atomically.
package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

//go:embed sparse_tools.json
var sparseToolsJSON []byte

// Tool is one advertised tool as a backend reports it over tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Entry is a catalog row: a tool plus the backend that owns it. The
// externally visible name carries the "<backend>::<tool>" namespace.
type Entry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
	Server      string `json:"server"`
}

// Registry is safe for concurrent use. Readers always observe either the
// pre-update or the fully updated entry set for any backend, never a mix.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backendTools
}

type backendTools struct {
	description string
	tools       []Tool
}

func New() *Registry {
	return &Registry{backends: make(map[string]backendTools)}
}

// NamespacedName renders the external name of a backend's tool.
func NamespacedName(backend, tool string) string {
	return backend + "::" + tool
}

// UpdateBackendTools replaces every entry owned by backendName in one step.
// Entries of other backends are untouched.
func (r *Registry) UpdateBackendTools(backendName, description string, tools []Tool) {
	cp := make([]Tool, len(tools))
	copy(cp, tools)
	r.mu.Lock()
	r.backends[backendName] = backendTools{description: description, tools: cp}
	r.mu.Unlock()
}

// RemoveBackendTools drops every entry owned by backendName.
func (r *Registry) RemoveBackendTools(backendName string) {
	r.mu.Lock()
	delete(r.backends, backendName)
	r.mu.Unlock()
}

// Entries returns the full namespaced catalog sorted by name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for backend, bt := range r.backends {
		for _, t := range bt.tools {
			desc := t.Description
			if desc != "" {
				desc = fmt.Sprintf("[%s] %s", backend, desc)
			}
			var schema any
			if len(t.InputSchema) > 0 {
				_ = json.Unmarshal(t.InputSchema, &schema)
			}
			out = append(out, Entry{
				Name:        NamespacedName(backend, t.Name),
				Description: desc,
				InputSchema: schema,
				Server:      backend,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a catalog entry by its namespaced name.
func (r *Registry) Lookup(namespaced string) (Entry, bool) {
	for _, e := range r.Entries() {
		if e.Name == namespaced {
			return e, true
		}
	}
	return Entry{}, false
}

// snapshot renders the catalog as the generic tree queries run against:
//
//	{"tools": [...], "tool_names": [...], "servers": {name: description}}
func (r *Registry) snapshot() map[string]any {
	entries := r.Entries()
	tools := make([]any, 0, len(entries))
	names := make([]any, 0, len(entries))
	for _, e := range entries {
		node := map[string]any{"name": e.Name, "server": e.Server}
		if e.Description != "" {
			node["description"] = e.Description
		}
		if e.InputSchema != nil {
			node["inputSchema"] = e.InputSchema
		}
		tools = append(tools, node)
		names = append(names, e.Name)
	}

	r.mu.RLock()
	servers := make(map[string]any, len(r.backends))
	for backend, bt := range r.backends {
		servers[backend] = map[string]any{
			"description": bt.description,
			"tools":       float64(len(bt.tools)),
		}
	}
	r.mu.RUnlock()

	return map[string]any{
		"tools":      tools,
		"tool_names": names,
		"servers":    servers,
	}
}

// Query evaluates a discovery expression against the catalog. A well-formed
// expression matching nothing returns (nil, nil); exactly one match returns
// the bare value; several matches return a list. Malformed expressions fail
// with *SyntaxError.
func (r *Registry) Query(expr string) (any, error) {
	path, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	matches := path.Eval(r.snapshot())
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return matches, nil
	}
}

var (
	sparseOnce   sync.Once
	sparseTools  []Tool
	sparseByName map[string]Tool
)

func loadSparse() {
	sparseOnce.Do(func() {
		if err := json.Unmarshal(sparseToolsJSON, &sparseTools); err != nil {
			panic(fmt.Sprintf("embedded sparse tool set is invalid: %v", err))
		}
		sparseByName = make(map[string]Tool, len(sparseTools))
		for _, t := range sparseTools {
			sparseByName[t.Name] = t
		}
	})
}

// SparseView returns the constant caller-facing tool set. Its size and
// content never depend on how many backends or tools are registered.
func SparseView() []Tool {
	loadSparse()
	out := make([]Tool, len(sparseTools))
	copy(out, sparseTools)
	return out
}

// SparseTool returns one virtual tool descriptor by name.
func SparseTool(name string) (Tool, bool) {
	loadSparse()
	t, ok := sparseByName[name]
	return t, ok
}

// IsVirtualTool reports whether name is part of the sparse set.
func IsVirtualTool(name string) bool {
	_, ok := SparseTool(name)
	return ok
}
