package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
)

// InvariantAuditor periodically checks that the pool total matches the sum
// of active principals. Operators are alerted once when drift appears and
// once when it clears.
type InvariantAuditor struct {
	ledger   *ledger.Ledger
	bus      domain.SignalBus
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	drifting bool
}

// NewInvariantAuditor creates an auditor that runs every interval.
func NewInvariantAuditor(l *ledger.Ledger, bus domain.SignalBus, notifier Notifier, interval time.Duration, logger *slog.Logger) *InvariantAuditor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &InvariantAuditor{
		ledger:   l,
		bus:      bus,
		notifier: notifier,
		interval: interval,
		logger:   logger.With(slog.String("component", "invariant_auditor")),
	}
}

// Run checks immediately and then on every tick until ctx is cancelled.
func (a *InvariantAuditor) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "invariant auditor started", slog.Duration("interval", a.interval))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.Check(ctx); err != nil && !errors.Is(err, domain.ErrInvariantViolated) {
			a.logger.WarnContext(ctx, "invariant check failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check runs one conservation check. It returns ErrInvariantViolated on
// drift and any store error unchanged.
func (a *InvariantAuditor) Check(ctx context.Context) error {
	err := a.ledger.CheckConservation(ctx)
	violated := errors.Is(err, domain.ErrInvariantViolated)
	if err != nil && !violated {
		return fmt.Errorf("invariant_auditor: %w", err)
	}

	a.mu.Lock()
	changed := a.drifting != violated
	a.drifting = violated
	a.mu.Unlock()

	switch {
	case violated:
		a.logger.ErrorContext(ctx, "ledger invariant violated", slog.String("error", err.Error()))
		if changed {
			a.publish(ctx, err)
			a.notify(ctx, "Ledger invariant violated", err.Error())
		}
		return err
	case changed:
		a.logger.InfoContext(ctx, "ledger invariant restored")
		a.notify(ctx, "Ledger invariant restored", "pool total matches active principals again")
	}
	return nil
}

// Drifting reports the result of the most recent check.
func (a *InvariantAuditor) Drifting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drifting
}

func (a *InvariantAuditor) publish(ctx context.Context, cause error) {
	if a.bus == nil {
		return
	}
	evt := domain.LedgerEvent{
		ID:    uuid.NewString(),
		Type:  domain.EventInvariantDrift,
		Asset: a.ledger.Params().Asset,
		Error: cause.Error(),
		At:    a.ledger.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := a.bus.Publish(ctx, domain.ChannelStakes, payload); err != nil {
		a.logger.WarnContext(ctx, "publish drift event failed", slog.String("error", err.Error()))
	}
}

func (a *InvariantAuditor) notify(ctx context.Context, title, message string) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, string(domain.EventInvariantDrift), title, message); err != nil {
		a.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
