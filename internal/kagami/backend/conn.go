package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kagami/internal/kagami/jsonrpc"
)

const (
	// DefaultCallTimeout bounds every regular outgoing call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultHandshakeTimeout bounds initialize and tools/list, which a
	// healthy backend answers immediately.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultGrace is the window between a graceful terminate and a kill.
	DefaultGrace = 5 * time.Second

	protocolVersion = "2024-11-05"
	clientName      = "kagami"
	clientVersion   = "1"

	reaperInterval = 250 * time.Millisecond
)

// Options tune a Proc. Zero values fall back to the defaults above; Launcher
// falls back to an ExecLauncher.
type Options struct {
	Launcher         Launcher
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	Grace            time.Duration
	Logger           *slog.Logger
}

func (o *Options) fill() {
	if o.Launcher == nil {
		o.Launcher = &ExecLauncher{Logger: o.Logger}
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// outcome is the single resolution of a pending request.
type outcome struct {
	result json.RawMessage
	err    error
}

// pending is one in-flight request slot. Exactly one of {response, timeout,
// shutdown, cancellation} resolves it; later attempts are silent no-ops.
type pending struct {
	id       int64
	method   string
	deadline time.Time
	ch       chan outcome
	resolved atomic.Bool
}

func (pd *pending) resolve(out outcome) bool {
	if pd.resolved.CompareAndSwap(false, true) {
		pd.ch <- out
		return true
	}
	return false
}

// Proc is a process-backed Conn. The read loop is the only goroutine touching
// the framer; the correlation table is shared between the send path, the read
// loop, and the timeout reaper under pendMu.
type Proc struct {
	desc   Descriptor
	opts   Options
	logger *slog.Logger

	proc  Process
	state atomic.Int32

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendMu  sync.Mutex
	pending map[int64]*pending

	handlerMu sync.RWMutex
	handlers  []Handler

	done      chan struct{} // closed once the read loop has drained pending
	closeOnce sync.Once
}

// NewProc creates a connection in state Spawning. Nothing runs until Start.
func NewProc(desc Descriptor, opts Options) *Proc {
	opts.fill()
	p := &Proc{
		desc:    desc,
		opts:    opts,
		logger:  opts.Logger.With("backend", desc.Name),
		pending: make(map[int64]*pending),
		done:    make(chan struct{}),
	}
	p.state.Store(int32(StateSpawning))
	return p
}

func (p *Proc) Name() string        { return p.desc.Name }
func (p *Proc) Description() string { return p.desc.Description }

func (p *Proc) State() State { return State(p.state.Load()) }

// Start launches the process and performs the initialize handshake. On any
// failure the connection lands in Terminated and every future operation
// reports ErrBackendUnavailable until a fresh Proc is spawned.
func (p *Proc) Start(ctx context.Context) error {
	proc, err := p.opts.Launcher.Launch(ctx, p.desc)
	if err != nil {
		p.state.Store(int32(StateTerminated))
		close(p.done)
		return fmt.Errorf("backend %q: %w: %v", p.desc.Name, ErrBackendUnavailable, err)
	}
	p.proc = proc
	p.state.Store(int32(StateHandshaking))

	go p.readLoop(proc.Stdout())
	go p.stderrLoop(proc.Stderr())
	go p.reapLoop()

	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	}
	raw, err := p.send(ctx, "initialize", initParams, p.opts.HandshakeTimeout, StateHandshaking)
	if err != nil {
		p.Close()
		return fmt.Errorf("backend %q: initialize: %w", p.desc.Name, err)
	}

	var initResult struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	_ = json.Unmarshal(raw, &initResult)

	if err := p.Notify("notifications/initialized", nil); err != nil {
		p.Close()
		return fmt.Errorf("backend %q: initialized notification: %w", p.desc.Name, err)
	}

	p.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady))
	p.logger.Info("backend ready",
		"pid", proc.ID(),
		"server", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
	)
	return nil
}

// Call sends a request and blocks for its resolution.
func (p *Proc) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return p.send(ctx, method, params, p.opts.CallTimeout, StateReady)
}

// Notify sends a notification; no pending slot is registered.
func (p *Proc) Notify(method string, params any) error {
	if p.State() == StateTerminated {
		return fmt.Errorf("backend %q: %w", p.desc.Name, ErrBackendUnavailable)
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return p.write(msg)
}

// OnMessage registers a handler for notifications and server-initiated
// requests. Handlers run on the read loop goroutine.
func (p *Proc) OnMessage(h Handler) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Close terminates the process: graceful signal, bounded grace window,
// forced kill. It returns once pending requests have drained.
func (p *Proc) Close() error {
	p.closeOnce.Do(func() {
		if p.proc == nil {
			p.terminate("never launched")
			select {
			case <-p.done:
			default:
				close(p.done)
			}
			return
		}
		_ = p.proc.Terminate()
		select {
		case <-p.done:
		case <-time.After(p.opts.Grace):
			p.logger.Warn("graceful shutdown timed out; killing backend", "pid", p.proc.ID())
			_ = p.proc.Kill()
			select {
			case <-p.done:
			case <-time.After(p.opts.Grace):
				p.logger.Error("backend did not release its pipe after kill", "pid", p.proc.ID())
			}
		}
		_ = p.proc.Wait()
		p.terminate("closed")
	})
	return nil
}

// --- internal ---

// send serializes a request, registers its pending slot, writes it, and waits.
// minState is StateHandshaking for the handshake itself, StateReady otherwise.
func (p *Proc) send(ctx context.Context, method string, params any, timeout time.Duration, minState State) (json.RawMessage, error) {
	switch st := p.State(); {
	case st == StateTerminated:
		return nil, fmt.Errorf("backend %q: %w", p.desc.Name, ErrBackendUnavailable)
	case minState == StateReady && st != StateReady:
		return nil, fmt.Errorf("backend %q: not ready (%s): %w", p.desc.Name, st, ErrBackendUnavailable)
	}

	id := p.nextID.Add(1)
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	pd := &pending{
		id:       id,
		method:   method,
		deadline: time.Now().Add(timeout),
		ch:       make(chan outcome, 1),
	}
	p.pendMu.Lock()
	p.pending[id] = pd
	p.pendMu.Unlock()

	if err := p.write(msg); err != nil {
		p.removePending(id)
		return nil, fmt.Errorf("backend %q: write request: %w: %v", p.desc.Name, ErrBackendUnavailable, err)
	}

	select {
	case <-ctx.Done():
		p.removePending(id)
		pd.resolve(outcome{err: ctx.Err()})
		return nil, ctx.Err()
	case out := <-pd.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	}
}

func (p *Proc) write(msg *jsonrpc.Message) error {
	if p.proc == nil {
		return ErrBackendUnavailable
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.proc.Stdin().Write(data)
	return err
}

func (p *Proc) removePending(id int64) *pending {
	p.pendMu.Lock()
	defer p.pendMu.Unlock()
	pd := p.pending[id]
	delete(p.pending, id)
	return pd
}

// readLoop feeds raw chunks to the framer and dispatches every complete
// message. It owns the framer and exits when the stream closes, draining
// whatever is still pending.
func (p *Proc) readLoop(r io.Reader) {
	framer := jsonrpc.NewFramer()
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range framer.Feed(buf[:n]) {
				p.dispatch(ev)
			}
		}
		if err != nil {
			break
		}
	}
	p.terminate("stream closed")
	close(p.done)
}

func (p *Proc) dispatch(ev jsonrpc.Event) {
	if ev.Err != nil {
		p.logger.Warn("framing: discarding malformed line", "err", ev.Err.Err, "bytes", len(ev.Err.Segment))
		return
	}
	msg := ev.Msg
	if msg.IsResponse() {
		id, ok := msg.IntID()
		var pd *pending
		if ok {
			pd = p.removePending(id)
		}
		if pd == nil {
			// Late answer for a reaped slot, or an id we never issued.
			p.logger.Warn("correlation: dropping response with unknown id", "id", string(msg.ID))
			return
		}
		if msg.Error != nil {
			pd.resolve(outcome{err: msg.Error})
			return
		}
		pd.resolve(outcome{result: msg.Result})
		return
	}

	// Notification or server-initiated request: fan out, fire-and-forget.
	p.handlerMu.RLock()
	handlers := p.handlers
	p.handlerMu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// stderrLoop relays the backend's stderr into the proxy log, line by line.
func (p *Proc) stderrLoop(r io.Reader) {
	buf := make([]byte, 4096)
	var tail []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			tail = append(tail, buf[:n]...)
			for {
				idx := bytes.IndexByte(tail, '\n')
				if idx < 0 {
					break
				}
				if line := string(tail[:idx]); len(line) > 0 {
					p.logger.Warn("backend stderr", "line", line)
				}
				tail = tail[idx+1:]
			}
		}
		if err != nil {
			return
		}
	}
}

// reapLoop resolves expired pending slots with ErrTimeout. A late real
// response then finds no slot and is logged as a correlation drop.
func (p *Proc) reapLoop() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			var expired []*pending
			p.pendMu.Lock()
			for id, pd := range p.pending {
				if now.After(pd.deadline) {
					delete(p.pending, id)
					expired = append(expired, pd)
				}
			}
			p.pendMu.Unlock()
			for _, pd := range expired {
				if pd.resolve(outcome{err: fmt.Errorf("backend %q: %s: %w", p.desc.Name, pd.method, ErrTimeout)}) {
					p.logger.Warn("call timed out", "method", pd.method, "id", pd.id)
				}
			}
		}
	}
}

// terminate moves the connection to Terminated exactly once and fails every
// pending request with ErrBackendUnavailable. Other connections are untouched.
func (p *Proc) terminate(reason string) {
	if State(p.state.Swap(int32(StateTerminated))) == StateTerminated {
		return
	}
	p.pendMu.Lock()
	drained := make([]*pending, 0, len(p.pending))
	for id, pd := range p.pending {
		delete(p.pending, id)
		drained = append(drained, pd)
	}
	p.pendMu.Unlock()

	for _, pd := range drained {
		pd.resolve(outcome{err: fmt.Errorf("backend %q: %w", p.desc.Name, ErrBackendUnavailable)})
	}
	p.logger.Info("backend terminated", "reason", reason, "drained", len(drained))
}
