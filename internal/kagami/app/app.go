// Package app wires the Kagami proxy together: store, pool, gateway, the
// stdio MCP front-end, and the operator control server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kagami/common/version"
	"github.com/bdobrica/Kagami/internal/kagami/backend"
	"github.com/bdobrica/Kagami/internal/kagami/builtin"
	"github.com/bdobrica/Kagami/internal/kagami/config"
	"github.com/bdobrica/Kagami/internal/kagami/control"
	"github.com/bdobrica/Kagami/internal/kagami/gateway"
	"github.com/bdobrica/Kagami/internal/kagami/observability"
	"github.com/bdobrica/Kagami/internal/kagami/pool"
	"github.com/bdobrica/Kagami/internal/kagami/proxy"
	"github.com/bdobrica/Kagami/internal/kagami/registry"
	"github.com/bdobrica/Kagami/internal/kagami/server"
	"github.com/bdobrica/Kagami/internal/kagami/store"
)

// BuiltinBackendName is the pool name of the in-process backend.
const BuiltinBackendName = "kagami"

// Config is the application configuration, loaded from the environment by
// the binary.
type Config struct {
	DatabasePath   string        `env:"KAGAMI_DB_PATH" envDefault:"kagami.db"`
	RosterFile     string        `env:"KAGAMI_ROSTER_FILE"`
	ControlAddr    string        `env:"KAGAMI_CONTROL_ADDR"`
	ControlToken   string        `env:"KAGAMI_CONTROL_TOKEN"`
	DefaultBackend string        `env:"KAGAMI_DEFAULT_BACKEND"`
	CallTimeout    time.Duration `env:"KAGAMI_CALL_TIMEOUT" envDefault:"30s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"text"`
}

// App is the assembled proxy runtime.
type App struct {
	cfg     *Config
	logger  *slog.Logger
	store   *store.Store
	loader  *config.Loader
	pool    *pool.Pool
	proxy   *proxy.Proxy
	front   *server.Server
	control *control.Server
	started time.Time
}

// New assembles the runtime. Nothing is spawned yet; Run does that.
func New(cfg *Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := slog.Default()

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loader := config.New()
	if cfg.RosterFile != "" {
		if err := loader.LoadFile(cfg.RosterFile); err != nil {
			st.Close()
			return nil, fmt.Errorf("load roster: %w", err)
		}
	}

	callTimeout := cfg.CallTimeout
	defaultBackend := cfg.DefaultBackend
	if roster := loader.Config(); roster != nil {
		if roster.CallTimeout > 0 {
			callTimeout = time.Duration(roster.CallTimeout)
		}
		if defaultBackend == "" {
			defaultBackend = roster.DefaultBackend
		}
	}

	p := pool.New(pool.Options{
		Registry:       registry.New(),
		Logger:         logger,
		DefaultBackend: defaultBackend,
		ConnOptions: backend.Options{
			CallTimeout: callTimeout,
			Logger:      logger,
		},
	})

	bi := builtin.New(BuiltinBackendName, "built-in proxy tools", logger)
	bi.Register(&builtin.OnboardingTool{Store: st})
	bi.Register(&builtin.OnboardingListTool{Store: st})
	bi.Register(&builtin.OnboardingDeleteTool{Store: st})
	if err := p.AddConn(bi, bi.ToolNames()...); err != nil {
		st.Close()
		return nil, fmt.Errorf("register built-in backend: %w", err)
	}

	gw, err := gateway.New(p, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	app := &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		loader:  loader,
		pool:    p,
		started: time.Now(),
	}
	app.proxy = proxy.New(gw, p, st, logger)
	app.front = server.New(app.proxy, version.Version, logger)

	if cfg.ControlAddr != "" {
		app.control = control.New(cfg.ControlAddr, control.Handlers{
			Version:     version.Version,
			StartedAt:   app.started,
			Token:       cfg.ControlToken,
			RosterHash:  loader.Hash,
			Backends:    p.Statuses,
			ApplyConfig: app.applyRoster,
			Refresh:     p.BroadcastRefresh,
		})
	}
	return app, nil
}

// Run spawns the roster's backends, starts the side surfaces, and serves
// MCP over stdio until ctx is cancelled or the caller closes the stream.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.proxy.Shutdown()

	if roster := a.loader.Config(); roster != nil {
		a.startBackends(ctx, roster)
	}
	a.pool.BroadcastRefresh(ctx)

	if a.control != nil {
		if err := a.control.Start(ctx); err != nil {
			return err
		}
		defer a.control.Stop()
	}

	err := a.front.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

// startBackends spawns every roster entry. A backend that fails to come up
// is logged and skipped; it must not take the proxy down.
func (a *App) startBackends(ctx context.Context, roster *config.Config) {
	for _, b := range roster.Backends {
		desc := b.Descriptor()
		if desc.BuiltIn() && desc.Runtime != "docker" {
			continue
		}
		if err := a.pool.AddBackend(ctx, desc); err != nil {
			a.logger.Error("backend failed to start", "backend", desc.Name, "err", err)
		}
	}
}

// applyRoster hot-reloads the roster: entries in the new roster are spawned
// or replaced, entries that disappeared are removed. The built-in backend
// always stays.
func (a *App) applyRoster(yaml, hash string) error {
	if err := a.loader.Apply([]byte(yaml)); err != nil {
		return err
	}
	if hash != "" && a.loader.Hash() != hash {
		return fmt.Errorf("roster hash mismatch: got %s", a.loader.Hash())
	}

	roster := a.loader.Config()
	wanted := make(map[string]bool, len(roster.Backends))
	ctx := context.Background()
	for _, b := range roster.Backends {
		wanted[b.Name] = true
		desc := b.Descriptor()
		if desc.BuiltIn() && desc.Runtime != "docker" {
			continue
		}
		if err := a.pool.AddBackend(ctx, desc); err != nil {
			a.logger.Error("backend failed to start on reload", "backend", b.Name, "err", err)
		}
	}
	for _, st := range a.pool.Statuses() {
		if st.Name == BuiltinBackendName || wanted[st.Name] {
			continue
		}
		if err := a.pool.RemoveBackend(st.Name); err != nil {
			a.logger.Warn("backend removal failed", "backend", st.Name, "err", err)
		}
	}
	return nil
}
