// Package backend manages the lifecycle of a single tool-providing backend:
// spawning the process, framing its output, correlating responses to pending
// requests, and surfacing its failures without affecting any other backend.
package backend

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bdobrica/Kagami/internal/kagami/jsonrpc"
)

// Descriptor is the immutable configuration of one backend. Identity is the
// Name, which must be unique across the pool. A nil Command means the backend
// is built in: it runs inside the Kagami process and spawns nothing.
type Descriptor struct {
	Name        string
	Command     []string
	Args        []string
	Env         map[string]string
	Description string

	// Runtime selects how a non-built-in backend is launched: "process"
	// (default, os/exec) or "docker" (container with attached stdio).
	Runtime string
	// Image is the container image for Runtime "docker".
	Image string
}

// BuiltIn reports whether the descriptor names an in-process backend.
func (d Descriptor) BuiltIn() bool { return len(d.Command) == 0 }

// State is the lifecycle phase of a connection.
type State int32

const (
	StateSpawning State = iota
	StateHandshaking
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced to callers. Both are matched with errors.Is; the
// wrapped form carries the backend name.
var (
	// ErrBackendUnavailable means the process is not running, failed to
	// spawn, or died while a call was in flight.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout means the per-call deadline elapsed before a response.
	ErrTimeout = errors.New("call timed out")
)

// Handler receives unsolicited messages (notifications and server-initiated
// requests) from a backend. Handlers run on the read loop goroutine and must
// not block.
type Handler func(msg *jsonrpc.Message)

// Conn is one live backend as the pool sees it: process-backed (Proc) or
// built in. All implementations are safe for concurrent use.
type Conn interface {
	Name() string
	Description() string
	State() State

	// Call sends a request and blocks until its response, its deadline, or
	// connection death, whichever resolves it first.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification.
	Notify(method string, params any) error

	// OnMessage registers a handler for unsolicited messages.
	OnMessage(h Handler)

	// Close terminates the backend: graceful signal, bounded wait, forced
	// kill. In-flight calls resolve with ErrBackendUnavailable.
	Close() error
}
