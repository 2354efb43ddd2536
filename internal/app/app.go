// Package app owns the stakeledger process lifecycle. It wires stores,
// custody, coordination, archive storage and notifications, then runs the
// goroutines of the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/stakeledger/internal/config"
)

// App is the root application object. It owns the configuration, logger and
// cleanup functions run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	root    *slog.Logger // handed to components, which tag their own name
	logger  *slog.Logger
	closers []func()
}

// New creates an App from cfg.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		root:   logger,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, starts the configured mode and blocks until it
// finishes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.root)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "serve":
		return a.ServeMode(ctx, deps)
	case "archive":
		return a.ArchiveMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down resources in reverse registration order. Subsequent calls
// are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
