// Package config handles loading, validation, and hot-reloading of the
// backend roster. The Loader is the authoritative source of the current live
// roster inside the proxy.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kagami/internal/kagami/backend"
)

// Backend is one roster entry. A nil command marks a built-in backend.
type Backend struct {
	Name        string            `yaml:"name"`
	Command     []string          `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Description string            `yaml:"description"`
	Runtime     string            `yaml:"runtime"`
	Image       string            `yaml:"image"`
}

// Descriptor converts a roster entry into the pool's descriptor shape.
func (b Backend) Descriptor() backend.Descriptor {
	return backend.Descriptor{
		Name:        b.Name,
		Command:     b.Command,
		Args:        b.Args,
		Env:         b.Env,
		Description: b.Description,
		Runtime:     b.Runtime,
		Image:       b.Image,
	}
}

// Duration decodes YAML scalars like "30s" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the full roster file.
type Config struct {
	Backends       []Backend `yaml:"backends"`
	DefaultBackend string    `yaml:"default_backend"`
	CallTimeout    Duration  `yaml:"call_timeout"`
}

// Validate rejects rosters the pool could not serve.
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %q: duplicate name", b.Name)
		}
		seen[b.Name] = true

		switch b.Runtime {
		case "", "process":
			// A nil command marks a built-in backend served in-process.
		case "docker":
			if b.Image == "" {
				return fmt.Errorf("backend %q: image is required for docker backends", b.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown runtime %q", b.Name, b.Runtime)
		}
	}
	if cfg.DefaultBackend != "" && !seen[cfg.DefaultBackend] {
		return fmt.Errorf("default_backend %q is not in the roster", cfg.DefaultBackend)
	}
	if cfg.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	return nil
}

// Loader holds the current roster and allows hot-reloads.
type Loader struct {
	mu     sync.RWMutex
	config *Config
	hash   string
	yaml   string
}

// New creates an empty Loader with no roster loaded yet.
func New() *Loader {
	return &Loader{}
}

// LoadFile reads a YAML file from disk, validates it, and applies it.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read roster file: %w", err)
	}
	return l.Apply(data)
}

// Apply parses and validates a raw YAML payload, then atomically replaces
// the current roster. It returns an error without modifying the live roster
// if validation fails (safe hot-reload).
func (l *Loader) Apply(data []byte) error {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse roster yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return fmt.Errorf("invalid roster: %w", err)
	}

	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	l.config = &cfg
	l.hash = hash
	l.yaml = string(data)

	slog.Info("roster applied",
		"backends", len(cfg.Backends),
		"hash", hash[:12],
	)
	return nil
}

// Config returns the current live roster, or nil when none is loaded.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Hash returns the SHA-256 hex digest of the current applied YAML.
func (l *Loader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

// YAML returns the raw YAML text of the current applied roster.
func (l *Loader) YAML() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.yaml
}
