// Package proxy is the public façade: one entry point per caller-visible
// operation, each independent and safe to invoke concurrently.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kagami/common/trace"
	"github.com/bdobrica/Kagami/internal/kagami/backend"
	"github.com/bdobrica/Kagami/internal/kagami/gateway"
	"github.com/bdobrica/Kagami/internal/kagami/pool"
	"github.com/bdobrica/Kagami/internal/kagami/store"
)

// ErrShutdown is surfaced to any call still pending when shutdown began, and
// to every call made afterwards.
var ErrShutdown = errors.New("proxy is shutting down")

// Auditor records completed calls. *store.Store satisfies it; tests use
// in-memory fakes.
type Auditor interface {
	RecordCall(rec store.CallRecord) error
}

// Proxy ties the gateway, the pool, and the audit trail together.
type Proxy struct {
	gw      *gateway.Gateway
	pool    *pool.Pool
	auditor Auditor
	logger  *slog.Logger
	closed  atomic.Bool
}

func New(gw *gateway.Gateway, p *pool.Pool, auditor Auditor, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		gw:      gw,
		pool:    p,
		auditor: auditor,
		logger:  logger.With("component", "proxy"),
	}
}

// ListTools returns the caller-facing (sparse) tool listing.
func (p *Proxy) ListTools() []json.RawMessage {
	tools := p.gw.ListTools()
	out := make([]json.RawMessage, 0, len(tools))
	for _, tool := range tools {
		data, _ := json.Marshal(tool)
		out = append(out, data)
	}
	return out
}

// Call runs one tool invocation through the gateway and blocks until it
// resolves. Failures surface as exactly one taxonomy error: timeout,
// backend-unavailable, unknown-tool, query-syntax, or shutdown.
func (p *Proxy) Call(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	if p.closed.Load() {
		return nil, ErrShutdown
	}
	ctx = ensureTrace(ctx)
	start := time.Now()

	result, err := p.gw.CallTool(ctx, toolName, args)
	err = p.mapShutdown(err)
	p.audit(ctx, toolName, "tools/call", start, err)
	return result, err
}

// Dispatch forwards a raw method call, the mcp_call path without the tool
// envelope. Used by front ends that accept whole JSON-RPC requests.
func (p *Proxy) Dispatch(ctx context.Context, method string, params map[string]any, server string) (json.RawMessage, error) {
	if p.closed.Load() {
		return nil, ErrShutdown
	}
	ctx = ensureTrace(ctx)
	start := time.Now()

	result, err := p.gw.Dispatch(ctx, method, params, server)
	err = p.mapShutdown(err)
	p.audit(ctx, "", method, start, err)
	return result, err
}

// Discover is a pure read into the registry; it never touches a backend and
// works with zero backends configured.
func (p *Proxy) Discover(expr string) (any, error) {
	return p.gw.Discover(expr)
}

// Refresh re-fetches every ready backend's tool list.
func (p *Proxy) Refresh(ctx context.Context) {
	p.pool.BroadcastRefresh(ctx)
}

// Shutdown terminates every backend and fails still-pending calls. Safe to
// call more than once.
func (p *Proxy) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	p.logger.Info("shutting down")
	p.pool.Shutdown()
}

// mapShutdown reclassifies backend-unavailable failures caused by our own
// teardown: once shutdown begins, drained calls report ErrShutdown rather
// than a backend fault.
func (p *Proxy) mapShutdown(err error) error {
	if err == nil {
		return nil
	}
	if p.closed.Load() && errors.Is(err, backend.ErrBackendUnavailable) {
		return fmt.Errorf("%w: %v", ErrShutdown, err)
	}
	return err
}

func (p *Proxy) audit(ctx context.Context, toolName, method string, start time.Time, callErr error) {
	if p.auditor == nil {
		return
	}
	status := "ok"
	switch {
	case callErr == nil:
	case errors.Is(callErr, backend.ErrTimeout):
		status = "timeout"
	case errors.Is(callErr, backend.ErrBackendUnavailable):
		status = "unavailable"
	case errors.Is(callErr, pool.ErrUnknownTool):
		status = "unknown_tool"
	case errors.Is(callErr, ErrShutdown):
		status = "shutdown"
	default:
		status = "error"
	}

	backendName := ""
	if prefix, _, ok := strings.Cut(toolName, pool.Separator); ok {
		backendName = prefix
	}
	rec := store.CallRecord{
		TraceID:  trace.FromContext(ctx),
		Backend:  backendName,
		Method:   method,
		Tool:     toolName,
		Status:   status,
		Duration: time.Since(start),
	}
	if err := p.auditor.RecordCall(rec); err != nil {
		p.logger.Warn("audit write failed", "err", err)
	}
}

func ensureTrace(ctx context.Context) context.Context {
	if trace.FromContext(ctx) != "" {
		return ctx
	}
	return trace.WithTraceID(ctx, trace.GenerateID())
}
