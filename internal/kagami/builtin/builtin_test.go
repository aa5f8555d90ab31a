package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Kagami/internal/kagami/backend"
	"github.com/bdobrica/Kagami/internal/kagami/jsonrpc"
	"github.com/bdobrica/Kagami/internal/kagami/store"
)

func testConn(t *testing.T) *Conn {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kagami.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := New("kagami", "built-in proxy tools", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Register(&OnboardingTool{Store: s})
	c.Register(&OnboardingListTool{Store: s})
	c.Register(&OnboardingDeleteTool{Store: s})
	return c
}

func callTool(t *testing.T, c *Conn, name string, args map[string]any) (string, bool) {
	t.Helper()
	raw, err := c.Call(context.Background(), "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		t.Fatalf("tools/call %s: %v", name, err)
	}
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("content blocks = %d, want 1", len(result.Content))
	}
	return result.Content[0].Text, result.IsError
}

func TestToolsList(t *testing.T) {
	c := testConn(t)
	raw, err := c.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	want := []string{"onboarding", "onboarding_list", "onboarding_delete"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("tools = %v, want %v", names, want)
	}
}

func TestOnboardingSetGetAppend(t *testing.T) {
	c := testConn(t)

	text, isErr := c2text(t, c, map[string]any{"identity": "reviewer"})
	if isErr || !strings.Contains(text, "No onboarding instructions found") {
		t.Fatalf("fresh get = %q (err=%v)", text, isErr)
	}

	text, isErr = c2text(t, c, map[string]any{"identity": "reviewer", "instructions": "read DESIGN.md first"})
	if isErr || !strings.Contains(text, "Onboarding set for reviewer") {
		t.Fatalf("set = %q (err=%v)", text, isErr)
	}

	text, isErr = c2text(t, c, map[string]any{"identity": "reviewer", "instructions": "then run the linter", "append": true})
	if isErr || !strings.Contains(text, "Onboarding appended") {
		t.Fatalf("append = %q (err=%v)", text, isErr)
	}

	text, _ = c2text(t, c, map[string]any{"identity": "reviewer"})
	if !strings.Contains(text, "read DESIGN.md first") || !strings.Contains(text, "then run the linter") {
		t.Fatalf("combined get = %q", text)
	}
}

func c2text(t *testing.T, c *Conn, args map[string]any) (string, bool) {
	t.Helper()
	return callTool(t, c, "onboarding", args)
}

func TestOnboardingMissingIdentity(t *testing.T) {
	c := testConn(t)
	text, isErr := callTool(t, c, "onboarding", map[string]any{})
	if !isErr {
		t.Fatalf("expected tool error, got %q", text)
	}
}

func TestOnboardingListAndDelete(t *testing.T) {
	c := testConn(t)

	text, _ := callTool(t, c, "onboarding_list", nil)
	if !strings.Contains(text, "No onboarding identities") {
		t.Fatalf("empty list = %q", text)
	}

	callTool(t, c, "onboarding", map[string]any{"identity": "alpha", "instructions": "x"})
	callTool(t, c, "onboarding", map[string]any{"identity": "beta", "instructions": "y"})

	text, _ = callTool(t, c, "onboarding_list", nil)
	if !strings.Contains(text, "alpha") || !strings.Contains(text, "beta") {
		t.Fatalf("list = %q", text)
	}

	text, _ = callTool(t, c, "onboarding_delete", map[string]any{"identity": "alpha"})
	if !strings.Contains(text, "Deleted onboarding for alpha") {
		t.Fatalf("delete = %q", text)
	}
	text, _ = callTool(t, c, "onboarding_delete", map[string]any{"identity": "alpha"})
	if !strings.Contains(text, "No onboarding found") {
		t.Fatalf("second delete = %q", text)
	}
}

func TestNamespacedToolName(t *testing.T) {
	c := testConn(t)
	text, isErr := callTool(t, c, "kagami::onboarding_list", nil)
	if isErr || !strings.Contains(text, "No onboarding identities") {
		t.Fatalf("namespaced call = %q (err=%v)", text, isErr)
	}
}

func TestUnknownMethodAndTool(t *testing.T) {
	c := testConn(t)

	_, err := c.Call(context.Background(), "resources/list", nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("err = %v, want method-not-found", err)
	}

	_, err = c.Call(context.Background(), "tools/call", map[string]any{"name": "nope"})
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeInvalidParams {
		t.Fatalf("err = %v, want invalid-params", err)
	}
}

func TestClosedConn(t *testing.T) {
	c := testConn(t)
	c.Close()
	if c.State() != backend.StateTerminated {
		t.Fatalf("state = %s, want terminated", c.State())
	}
	if _, err := c.Call(context.Background(), "tools/list", nil); !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("call on closed: %v", err)
	}
}
