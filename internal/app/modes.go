package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stakeledger/internal/crypto"
	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/server"
	"github.com/alanyoungcy/stakeledger/internal/server/handler"
	"github.com/alanyoungcy/stakeledger/internal/server/ws"
	"github.com/alanyoungcy/stakeledger/internal/service"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take after
// cancellation.
const shutdownTimeout = 10 * time.Second

// ServeMode runs the HTTP API, the event hub and the invariant auditor, plus
// the periodic archiver when archive.enabled is set.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")
	g, ctx := errgroup.WithContext(ctx)

	auditor := a.startAuditor(ctx, g, deps)
	if a.cfg.Server.Enabled {
		if err := a.startHTTPServer(ctx, g, deps, auditor); err != nil {
			return err
		}
	}
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}
	return g.Wait()
}

// ArchiveMode archives once and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("app: archive mode requires s3 configuration")
	}
	return a.runArchive(ctx, deps)
}

// FullMode is ServeMode with the archiver always running.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	auditor := a.startAuditor(ctx, g, deps)
	if a.cfg.Server.Enabled {
		if err := a.startHTTPServer(ctx, g, deps, auditor); err != nil {
			return err
		}
	}
	if deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}
	return g.Wait()
}

// startAuditor launches the invariant auditor unless its interval is zero.
func (a *App) startAuditor(ctx context.Context, g *errgroup.Group, deps *Dependencies) *service.InvariantAuditor {
	interval := a.cfg.Ledger.AuditInterval.Duration
	if interval <= 0 {
		return nil
	}
	auditor := service.NewInvariantAuditor(deps.Ledger, deps.Bus, deps.Notifier, interval, a.root)
	g.Go(func() error { return auditor.Run(ctx) })
	return auditor
}

// startHTTPServer registers the API and WebSocket hub and serves until ctx
// is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, auditor *service.InvariantAuditor) error {
	sc := a.cfg.Server

	var guard *handler.SignatureGuard
	if sc.RequireSignatures {
		d := crypto.NewDomain(sc.SignatureDomain, "1", sc.SignatureChainID)
		guard = handler.NewSignatureGuard(d, deps.Replay, sc.SignatureMaxAge.Duration)
		a.logger.InfoContext(ctx, "signed requests required",
			slog.String("domain", sc.SignatureDomain),
			slog.Int64("chain_id", sc.SignatureChainID),
		)
	}

	checks := append([]handler.Check(nil), deps.Checks...)
	if auditor != nil {
		checks = append(checks, handler.Check{Name: "ledger_invariant", Probe: func(context.Context) error {
			if auditor.Drifting() {
				return domain.ErrInvariantViolated
			}
			return nil
		}})
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.root, checks...),
		Pool:   handler.NewPoolHandler(deps.Staking, a.root),
		Stakes: handler.NewStakeHandler(deps.Staking, guard, deps.Ledger.Params().MinLockDuration, a.root),
	}
	if deps.Token != nil {
		handlers.Token = handler.NewTokenHandler(deps.Token, deps.Custody.Vault(), deps.Treasury, guard, a.root)
	}

	hub := ws.NewHub(deps.Bus, a.root)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
	}, handlers, hub, deps.Limiter, a.root)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.String("url", fmt.Sprintf("http://localhost:%d", sc.Port)))
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

// archiveLoop archives immediately and then every archive.interval. Failed
// runs are logged and retried on the next tick.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		if err := a.runArchive(ctx, deps); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runArchive exports settled positions (and audit entries when configured)
// older than the retention window.
func (a *App) runArchive(ctx context.Context, deps *Dependencies) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	positions, err := deps.Archiver.ArchiveSettled(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("app: archive positions: %w", err)
	}
	var entries int64
	if a.cfg.Archive.IncludeAudit {
		entries, err = deps.Archiver.ArchiveAudit(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("app: archive audit: %w", err)
		}
	}
	a.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("positions", positions),
		slog.Int64("audit_entries", entries),
	)
	return nil
}
