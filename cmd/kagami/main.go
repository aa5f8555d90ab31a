// Kagami is an MCP proxy binary: it multiplexes one stdio caller across many
// backend MCP server processes behind a fixed three-tool sparse interface.
//
// All configuration is loaded from environment variables:
//
//	KAGAMI_DB_PATH         - path to the SQLite database (default: kagami.db)
//	KAGAMI_ROSTER_FILE     - path to the backend roster YAML
//	KAGAMI_CONTROL_ADDR    - operator HTTP listen address (empty: disabled)
//	KAGAMI_CONTROL_TOKEN   - bearer token for the operator HTTP server
//	KAGAMI_DEFAULT_BACKEND - backend receiving untargeted non-tool methods
//	KAGAMI_CALL_TIMEOUT    - per-call deadline (default: 30s)
//	LOG_LEVEL              - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT             - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/bdobrica/Kagami/common/version"
	"github.com/bdobrica/Kagami/internal/kagami/app"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	cfg := &app.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: bad environment: %v\n", err)
		os.Exit(1)
	}

	kagami, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize Kagami", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kagami.Run(ctx); err != nil {
		slog.Error("Kagami exited with error", "err", err)
		os.Exit(1)
	}
}
