package config

import (
	"strings"
	"testing"
	"time"
)

const validRoster = `
backends:
  - name: files
    command: ["mcp-files"]
    args: ["--root", "/srv"]
    env:
      LOG_LEVEL: debug
    description: file tools
  - name: shell
    runtime: docker
    image: mcp-shell:latest
    command: ["mcp-shell"]
    description: shell tools
default_backend: files
call_timeout: 45s
`

func TestApplyValidRoster(t *testing.T) {
	l := New()
	if err := l.Apply([]byte(validRoster)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	cfg := l.Config()
	if cfg == nil {
		t.Fatal("config is nil after apply")
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(cfg.Backends))
	}
	if cfg.DefaultBackend != "files" {
		t.Fatalf("default_backend = %q", cfg.DefaultBackend)
	}
	if time.Duration(cfg.CallTimeout) != 45*time.Second {
		t.Fatalf("call_timeout = %v", cfg.CallTimeout)
	}
	if l.Hash() == "" || l.YAML() == "" {
		t.Fatal("hash/yaml not recorded")
	}

	desc := cfg.Backends[0].Descriptor()
	if desc.Name != "files" || desc.Env["LOG_LEVEL"] != "debug" {
		t.Fatalf("descriptor = %+v", desc)
	}
	if cfg.Backends[1].Descriptor().Runtime != "docker" {
		t.Fatal("runtime not carried into descriptor")
	}
}

func TestApplyAcceptsBuiltinEntry(t *testing.T) {
	roster := `
backends:
  - name: onboarding
    description: onboarding instructions
`
	l := New()
	if err := l.Apply([]byte(roster)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	desc := l.Config().Backends[0].Descriptor()
	if !desc.BuiltIn() {
		t.Fatalf("descriptor %+v should be built-in", desc)
	}
}

func TestApplyRejectsInvalidRosterWithoutReplacing(t *testing.T) {
	l := New()
	if err := l.Apply([]byte(validRoster)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	prevHash := l.Hash()

	bad := []struct {
		name   string
		yaml   string
		errSub string
	}{
		{"duplicate name", "backends:\n  - name: a\n    command: [x]\n  - name: a\n    command: [y]\n", "duplicate"},
		{"missing name", "backends:\n  - command: [x]\n", "name is required"},
		{"docker without image", "backends:\n  - name: a\n    runtime: docker\n", "image is required"},
		{"unknown runtime", "backends:\n  - name: a\n    runtime: vm\n    command: [x]\n", "unknown runtime"},
		{"dangling default", "backends:\n  - name: a\n    command: [x]\ndefault_backend: b\n", "not in the roster"},
		{"bad duration", "call_timeout: soon\n", "bad duration"},
		{"not yaml", "{{", "parse"},
	}
	for _, tt := range bad {
		err := l.Apply([]byte(tt.yaml))
		if err == nil || !strings.Contains(err.Error(), tt.errSub) {
			t.Errorf("%s: err = %v, want substring %q", tt.name, err, tt.errSub)
		}
	}

	if l.Hash() != prevHash {
		t.Fatal("failed apply replaced the live roster")
	}
}
