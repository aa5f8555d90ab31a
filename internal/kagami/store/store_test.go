package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "kagami.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInstructionsRoundTrip(t *testing.T) {
	s := openStore(t)

	if _, ok, err := s.GetInstructions("reviewer"); err != nil || ok {
		t.Fatalf("fresh identity: ok=%v err=%v", ok, err)
	}

	if err := s.SetInstructions("reviewer", "use the file tools"); err != nil {
		t.Fatalf("set: %v", err)
	}
	text, ok, err := s.GetInstructions("reviewer")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if text != "use the file tools" {
		t.Fatalf("text = %q", text)
	}

	if err := s.SetInstructions("reviewer", "replaced"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	text, _, _ = s.GetInstructions("reviewer")
	if text != "replaced" {
		t.Fatalf("after replace = %q", text)
	}
}

func TestAppendInstructions(t *testing.T) {
	s := openStore(t)

	combined, err := s.AppendInstructions("bot", "first")
	if err != nil {
		t.Fatalf("append to empty: %v", err)
	}
	if combined != "first" {
		t.Fatalf("combined = %q", combined)
	}

	combined, err = s.AppendInstructions("bot", "second")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if combined != "first\nsecond" {
		t.Fatalf("combined = %q", combined)
	}
}

func TestCallAudit(t *testing.T) {
	s := openStore(t)

	recs := []CallRecord{
		{Backend: "alpha", Method: "tools/call", Tool: "read", Status: "ok", Duration: 12 * time.Millisecond},
		{Backend: "beta", Method: "tools/call", Tool: "exec", Status: "timeout", Duration: 30 * time.Second},
	}
	for _, rec := range recs {
		if err := s.RecordCall(rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.RecentCalls(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	for _, rec := range got {
		if rec.ID == "" {
			t.Error("record missing generated id")
		}
	}
}
