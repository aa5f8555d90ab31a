// Package control implements the operator HTTP server.
//
// The proxy's primary surface is the stdio JSON-RPC stream; this server is a
// side channel for operators and orchestration:
//
//	GET  /health             → HealthResponse
//	GET  /status             → StatusResponse (roster hash, backend states)
//	POST /config/apply       → ConfigApplyRequest → 200 OK (hot-reload roster)
//	POST /backends/refresh   → 202 Accepted (re-fetch every tool catalog)
//
// Security: set Handlers.Token to require "Authorization: Bearer <token>" on
// every request; an empty token disables authentication (dev/test mode).
// Mutating endpoints honor X-Idempotency-Key and replay the cached response
// within the TTL window.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kagami/internal/kagami/pool"
)

// idempotencyTTL is how long the server caches responses by idempotency key.
const idempotencyTTL = 60 * time.Second

type idempotencyEntry struct {
	status    int
	body      []byte
	expiresAt time.Time
}

type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[string]idempotencyEntry)}
}

func (c *idempotencyCache) get(key string) (idempotencyEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return idempotencyEntry{}, false
	}
	return e, true
}

func (c *idempotencyCache) set(key string, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = idempotencyEntry{
		status:    status,
		body:      body,
		expiresAt: time.Now().Add(idempotencyTTL),
	}
}

// ConfigApplyRequest carries a replacement roster.
type ConfigApplyRequest struct {
	YAML string `json:"yaml"`
	Hash string `json:"hash"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version    string        `json:"version"`
	RosterHash string        `json:"roster_hash"`
	Uptime     float64       `json:"uptime_seconds"`
	StartedAt  time.Time     `json:"started_at"`
	Backends   []pool.Status `json:"backends"`
}

// Handlers bundles the callbacks the server delegates to.
type Handlers struct {
	// Version is the runtime version string.
	Version string
	// StartedAt is the time the binary started.
	StartedAt time.Time

	// Token, when non-empty, is the expected bearer token for all requests.
	Token string

	// RosterHash returns the hash of the currently applied roster.
	RosterHash func() string
	// Backends returns the pool's connection states.
	Backends func() []pool.Status
	// ApplyConfig validates and applies a new roster YAML.
	ApplyConfig func(yaml, hash string) error
	// Refresh triggers a broadcast tool-catalog refresh.
	Refresh func(ctx context.Context)
}

// Server is the operator HTTP server.
type Server struct {
	addr      string
	handlers  Handlers
	server    *http.Server
	idemCache *idempotencyCache
}

// New creates a Server listening on addr.
func New(addr string, h Handlers) *Server {
	s := &Server{
		addr:      addr,
		handlers:  h,
		idemCache: newIdempotencyCache(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/config/apply", s.handleConfigApply)
	mux.HandleFunc("/backends/refresh", s.handleRefresh)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// authMiddleware rejects requests that do not carry the correct bearer token.
// When Handlers.Token is empty, all requests are allowed (dev/test mode).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handlers.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if auth[len("Bearer "):] != s.handlers.Token {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. It returns once the listener is bound so callers
// can immediately start sending requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.addr, err)
	}
	slog.Info("control server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hash := ""
	if s.handlers.RosterHash != nil {
		hash = s.handlers.RosterHash()
	}
	var backends []pool.Status
	if s.handlers.Backends != nil {
		backends = s.handlers.Backends()
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:    s.handlers.Version,
		RosterHash: hash,
		Uptime:     time.Since(s.handlers.StartedAt).Seconds(),
		StartedAt:  s.handlers.StartedAt,
		Backends:   backends,
	})
}

func (s *Server) handleConfigApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		if cached, ok := s.idemCache.get(key); ok {
			slog.Debug("control: idempotent replay", "path", "/config/apply", "key", key)
			w.WriteHeader(cached.status)
			w.Write(cached.body)
			return
		}
	}

	var req ConfigApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if s.handlers.ApplyConfig == nil {
		writeError(w, http.StatusServiceUnavailable, "config apply not available")
		return
	}
	if err := s.handlers.ApplyConfig(req.YAML, req.Hash); err != nil {
		slog.Error("control: config apply failed", "err", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	slog.Info("control: roster applied", "hash", req.Hash[:min(12, len(req.Hash))])

	body := []byte(`{"status":"applied"}`)
	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		s.idemCache.set(key, http.StatusOK, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.handlers.Refresh == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not available")
		return
	}
	go s.handlers.Refresh(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

// TestHandler exposes the full middleware-wrapped handler for tests.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
