package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/bdobrica/Kagami/internal/kagami/backend"
	"github.com/bdobrica/Kagami/internal/kagami/gateway"
	"github.com/bdobrica/Kagami/internal/kagami/pool"
	"github.com/bdobrica/Kagami/internal/kagami/registry"
	"github.com/bdobrica/Kagami/internal/kagami/store"
)

// echoConn answers every tools/call by reflecting the arguments back.
type echoConn struct {
	name  string
	tools []registry.Tool
}

func (e *echoConn) Name() string         { return e.name }
func (e *echoConn) Description() string  { return "" }
func (e *echoConn) State() backend.State { return backend.StateReady }

func (e *echoConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == "tools/list" {
		return json.Marshal(map[string]any{"tools": e.tools})
	}
	return json.Marshal(map[string]any{"backend": e.name, "params": params})
}

func (e *echoConn) Notify(string, any) error  { return nil }
func (e *echoConn) OnMessage(backend.Handler) {}
func (e *echoConn) Close() error              { return nil }

type memAuditor struct {
	mu   sync.Mutex
	recs []store.CallRecord
}

func (a *memAuditor) RecordCall(rec store.CallRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *memAuditor) byStatus(status string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, rec := range a.recs {
		if rec.Status == status {
			n++
		}
	}
	return n
}

func testProxy(t *testing.T, backends ...*echoConn) (*Proxy, *memAuditor) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pool.New(pool.Options{Registry: registry.New(), Logger: logger})
	for _, conn := range backends {
		if err := p.AddConn(conn); err != nil {
			t.Fatalf("add %s: %v", conn.name, err)
		}
	}
	p.BroadcastRefresh(context.Background())

	gw, err := gateway.New(p, logger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	auditor := &memAuditor{}
	px := New(gw, p, auditor, logger)
	t.Cleanup(px.Shutdown)
	return px, auditor
}

func TestCallRoutesAndAudits(t *testing.T) {
	px, auditor := testProxy(t, &echoConn{name: "alpha", tools: []registry.Tool{{Name: "read"}}})

	raw, err := px.Call(context.Background(), "alpha::read", map[string]any{"path": "/x"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var result struct {
		Backend string `json:"backend"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Backend != "alpha" {
		t.Fatalf("result = %s, err = %v", raw, err)
	}

	if auditor.byStatus("ok") != 1 {
		t.Fatalf("audit records = %+v, want one ok", auditor.recs)
	}
	auditor.mu.Lock()
	rec := auditor.recs[0]
	auditor.mu.Unlock()
	if rec.Backend != "alpha" || rec.Tool != "alpha::read" || rec.TraceID == "" {
		t.Fatalf("audit record = %+v", rec)
	}
}

func TestCallUnknownTool(t *testing.T) {
	px, auditor := testProxy(t)
	_, err := px.Call(context.Background(), "gamma::read", nil)
	if !errors.Is(err, pool.ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	if auditor.byStatus("unknown_tool") != 1 {
		t.Fatalf("audit = %+v", auditor.recs)
	}
}

func TestDiscoverWorksWithZeroBackends(t *testing.T) {
	px, _ := testProxy(t)
	got, err := px.Discover("$.tool_names")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	list, ok := got.([]any)
	if !ok || len(list) != 0 {
		t.Fatalf("got %#v, want empty list", got)
	}
}

func TestDiscoverIsIndependentOfSparseView(t *testing.T) {
	px, _ := testProxy(t,
		&echoConn{name: "alpha", tools: []registry.Tool{{Name: "read"}}},
		&echoConn{name: "beta", tools: []registry.Tool{{Name: "exec"}}},
	)

	got, err := px.Discover("$.tools[*].name")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if list, ok := got.([]any); !ok || len(list) != 2 {
		t.Fatalf("catalog query = %#v, want 2 names", got)
	}
	if n := len(px.ListTools()); n != 3 {
		t.Fatalf("sparse listing = %d tools, want 3", n)
	}
}

func TestConcurrentCallsNoCrossDelivery(t *testing.T) {
	px, _ := testProxy(t,
		&echoConn{name: "alpha", tools: []registry.Tool{{Name: "echo"}}},
		&echoConn{name: "beta", tools: []registry.Tool{{Name: "echo"}}},
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := "alpha"
			if i%2 == 1 {
				target = "beta"
			}
			raw, err := px.Call(context.Background(), target+"::echo", map[string]any{"nonce": fmt.Sprint(i)})
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			var result struct {
				Backend string `json:"backend"`
				Params  struct {
					Arguments struct {
						Nonce string `json:"nonce"`
					} `json:"arguments"`
				} `json:"params"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				t.Errorf("call %d: decode: %v", i, err)
				return
			}
			if result.Backend != target || result.Params.Arguments.Nonce != fmt.Sprint(i) {
				t.Errorf("call %d: got backend=%s nonce=%s", i, result.Backend, result.Params.Arguments.Nonce)
			}
		}(i)
	}
	wg.Wait()
}

func TestShutdownFailsSubsequentCalls(t *testing.T) {
	px, auditor := testProxy(t, &echoConn{name: "alpha", tools: []registry.Tool{{Name: "read"}}})
	px.Shutdown()

	_, err := px.Call(context.Background(), "alpha::read", nil)
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
	if auditor.byStatus("shutdown") != 0 {
		// Rejected before dispatch; nothing to audit.
		t.Fatalf("audit = %+v", auditor.recs)
	}
	px.Shutdown() // idempotent
}
