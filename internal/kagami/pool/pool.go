// Package pool owns every backend connection and routes namespaced tool and
// method calls to the right one. One backend's failure never propagates to
// another: connections share nothing but the pool map and the registry.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kagami/common/retry"
	"github.com/bdobrica/Kagami/internal/kagami/backend"
	"github.com/bdobrica/Kagami/internal/kagami/registry"
)

// Namespace separator in externally visible tool names.
const Separator = "::"

var (
	// ErrUnknownTool means no backend or tool matches the requested name.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrShuttingDown means the pool no longer accepts work.
	ErrShuttingDown = errors.New("pool is shutting down")
)

// Factory builds a connection for a descriptor. Spawning and handshaking
// happen in Start; the pool drives that.
type Factory func(desc backend.Descriptor) Starter

// Starter is a connection that still needs its process brought up.
type Starter interface {
	backend.Conn
	Start(ctx context.Context) error
}

// Options configure a Pool.
type Options struct {
	Registry *registry.Registry
	Logger   *slog.Logger

	// Factory defaults to process-backed connections using ConnOptions.
	Factory     Factory
	ConnOptions backend.Options

	// DefaultBackend receives non-tool methods that carry no explicit
	// target. Empty means such calls fail with ErrUnknownTool.
	DefaultBackend string

	// RefreshAttempts bounds tools/list retries per backend during a
	// broadcast refresh.
	RefreshAttempts int
}

// Pool is safe for concurrent use.
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	conns   map[string]backend.Conn
	aliases map[string]string // unqualified tool name -> owning backend
	closed  bool
}

func New(opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Factory == nil {
		connOpts := opts.ConnOptions
		if connOpts.Logger == nil {
			connOpts.Logger = opts.Logger
		}
		opts.Factory = func(desc backend.Descriptor) Starter {
			co := connOpts
			if desc.Runtime == "docker" && co.Launcher == nil {
				// Launch failure surfaces on Start, not here.
				if dl, err := backend.NewDockerLauncher(); err == nil {
					co.Launcher = dl
				}
			}
			return backend.NewProc(desc, co)
		}
	}
	if opts.RefreshAttempts <= 0 {
		opts.RefreshAttempts = 2
	}
	return &Pool{
		opts:    opts,
		logger:  opts.Logger.With("component", "pool"),
		conns:   make(map[string]backend.Conn),
		aliases: make(map[string]string),
	}
}

// Registry exposes the catalog the pool feeds.
func (p *Pool) Registry() *registry.Registry { return p.opts.Registry }

// AddConn installs an already-ready connection, typically the built-in
// backend. Aliases register unqualified tool names routing to it.
func (p *Pool) AddConn(conn backend.Conn, aliases ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShuttingDown
	}
	if _, dup := p.conns[conn.Name()]; dup {
		return fmt.Errorf("backend %q already present", conn.Name())
	}
	p.conns[conn.Name()] = conn
	for _, alias := range aliases {
		p.aliases[alias] = conn.Name()
	}
	return nil
}

// AddBackend spawns a connection for desc and installs it under its name.
// When the name is already taken, the old connection keeps serving until the
// new one reaches Ready, then is terminated; a failed spawn leaves the old
// one in place.
func (p *Pool) AddBackend(ctx context.Context, desc backend.Descriptor) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrShuttingDown
	}

	conn := p.opts.Factory(desc)
	if err := conn.Start(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return ErrShuttingDown
	}
	old := p.conns[desc.Name]
	p.conns[desc.Name] = conn
	p.mu.Unlock()

	if old != nil {
		p.logger.Info("replacing backend", "backend", desc.Name)
		old.Close()
	}
	if err := p.refreshOne(ctx, conn); err != nil {
		p.logger.Warn("initial tool listing failed", "backend", desc.Name, "err", err)
	}
	return nil
}

// RemoveBackend terminates and evicts a connection and drops its catalog
// entries. In-flight requests on it resolve with ErrBackendUnavailable.
func (p *Pool) RemoveBackend(name string) error {
	p.mu.Lock()
	conn, ok := p.conns[name]
	if ok {
		delete(p.conns, name)
		for alias, owner := range p.aliases {
			if owner == name {
				delete(p.aliases, alias)
			}
		}
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("backend %q: not present", name)
	}
	conn.Close()
	p.opts.Registry.RemoveBackendTools(name)
	p.logger.Info("backend removed", "backend", name)
	return nil
}

// Get returns the connection registered under name.
func (p *Pool) Get(name string) (backend.Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[name]
	return conn, ok
}

// Route resolves an externally visible tool name to its connection and the
// backend-local tool name. Accepted forms: "<backend>::<tool>", a registered
// unqualified alias, or a bare name with explicitServer set.
func (p *Pool) Route(toolName, explicitServer string) (backend.Conn, string, error) {
	backendName := explicitServer
	localName := toolName
	if prefix, rest, ok := strings.Cut(toolName, Separator); ok {
		backendName = prefix
		localName = rest
	} else if backendName == "" {
		p.mu.RLock()
		backendName = p.aliases[toolName]
		p.mu.RUnlock()
	}
	if backendName == "" {
		return nil, "", fmt.Errorf("tool %q: %w", toolName, ErrUnknownTool)
	}

	conn, ok := p.Get(backendName)
	if !ok {
		return nil, "", fmt.Errorf("tool %q: backend %q: %w", toolName, backendName, ErrUnknownTool)
	}
	return conn, localName, nil
}

// Default returns the connection non-tool methods fall through to.
func (p *Pool) Default() (backend.Conn, bool) {
	if p.opts.DefaultBackend == "" {
		return nil, false
	}
	return p.Get(p.opts.DefaultBackend)
}

// BroadcastRefresh issues tools/list to every ready connection concurrently
// and merges each backend's answer into the registry as it arrives. A slow
// or failing backend delays only its own catalog slice.
func (p *Pool) BroadcastRefresh(ctx context.Context) {
	p.mu.RLock()
	conns := make([]backend.Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		if conn.State() == backend.StateReady {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn backend.Conn) {
			defer wg.Done()
			if err := p.refreshOne(ctx, conn); err != nil {
				p.logger.Warn("tool listing failed", "backend", conn.Name(), "err", err)
			}
		}(conn)
	}
	wg.Wait()
}

func (p *Pool) refreshOne(ctx context.Context, conn backend.Conn) error {
	var tools []registry.Tool
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  p.opts.RefreshAttempts,
		InitialDelay: 250 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			// A dead backend will not answer a retry either.
			return !errors.Is(err, backend.ErrBackendUnavailable)
		},
	}, func() error {
		raw, err := conn.Call(ctx, "tools/list", map[string]any{})
		if err != nil {
			return err
		}
		var result struct {
			Tools []registry.Tool `json:"tools"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decode tools/list: %w", err)
		}
		tools = result.Tools
		return nil
	})
	if err != nil {
		return err
	}
	p.opts.Registry.UpdateBackendTools(conn.Name(), conn.Description(), tools)
	p.logger.Info("catalog updated", "backend", conn.Name(), "tools", len(tools))
	return nil
}

// Status describes one pooled connection for operators.
type Status struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Statuses lists every connection sorted by name.
func (p *Pool) Statuses() []Status {
	p.mu.RLock()
	out := make([]Status, 0, len(p.conns))
	for name, conn := range p.conns {
		out = append(out, Status{Name: name, State: conn.State().String()})
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown terminates every connection concurrently and returns when all are
// down or the per-connection grace handling inside Close has run its course.
// The pool accepts no work afterwards.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]backend.Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]backend.Conn)
	p.aliases = make(map[string]string)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn backend.Conn) {
			defer wg.Done()
			conn.Close()
		}(conn)
	}
	wg.Wait()
	p.logger.Info("pool shut down", "backends", len(conns))
}

// Closed reports whether Shutdown has begun.
func (p *Pool) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
