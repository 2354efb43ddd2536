// Package service hosts the ledger behind cross-process locking, audit
// logging, event publication and operator notifications.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

const (
	defaultLockTTL  = 5 * time.Minute
	defaultLockPoll = 50 * time.Millisecond
)

// StakingService serializes ledger mutations across processes and fans the
// committed results out to the audit log, the signal bus and operators.
// Side-effect failures after a commit are logged and never undo the commit.
type StakingService struct {
	ledger   *ledger.Ledger
	locks    domain.LockManager
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier

	lockKey  string
	lockTTL  time.Duration
	lockPoll time.Duration
	logger   *slog.Logger
}

// NewStakingService creates a StakingService. bus and audit may be nil.
func NewStakingService(
	l *ledger.Ledger,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *StakingService {
	return &StakingService{
		ledger:   l,
		locks:    locks,
		bus:      bus,
		audit:    audit,
		lockKey:  "ledger:" + l.Params().Asset,
		lockTTL:  defaultLockTTL,
		lockPoll: defaultLockPoll,
		logger:   logger.With(slog.String("component", "staking_service")),
	}
}

// WithNotifier attaches an operator notifier.
func (s *StakingService) WithNotifier(n Notifier) *StakingService {
	s.notifier = n
	return s
}

// WithLockTiming overrides the distributed lock TTL and retry interval.
func (s *StakingService) WithLockTiming(ttl, poll time.Duration) *StakingService {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	if poll > 0 {
		s.lockPoll = poll
	}
	return s
}

// Stake opens a position for owner. When the deposit is unconfirmed the
// position is returned together with an error for which
// domain.IsUnconfirmed holds.
func (s *StakingService) Stake(ctx context.Context, owner common.Address, amount *uint256.Int) (domain.StakePosition, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return domain.StakePosition{}, err
	}
	defer unlock()

	pos, err := s.ledger.Stake(ctx, owner, amount)
	ctx = context.WithoutCancel(ctx)
	if err != nil && !domain.IsUnconfirmed(err) {
		s.onFailure(ctx, "stake", owner, 0, amount, err)
		return domain.StakePosition{}, fmt.Errorf("staking_service: stake: %w", err)
	}

	evt := s.newEvent(ctx, domain.EventStaked, pos.ID, owner)
	evt.Principal = pos.Principal
	evt.APR = pos.APRAtOpen
	s.commit(ctx, evt, map[string]any{
		"position_id": pos.ID,
		"owner":       owner.Hex(),
		"principal":   pos.Principal.Dec(),
		"apr_bps":     pos.APRAtOpen,
	})
	if err != nil {
		s.onUnconfirmed(ctx, "stake", owner, pos.ID, amount, err)
		return pos, fmt.Errorf("staking_service: stake: %w", err)
	}
	return pos, nil
}

// Unstake settles position id for owner after its lock has elapsed.
func (s *StakingService) Unstake(ctx context.Context, owner common.Address, id uint64) (domain.Settlement, error) {
	return s.exit(ctx, owner, id, domain.ExitUnstake)
}

// EmergencyWithdraw settles position id for owner with the early-exit penalty.
func (s *StakingService) EmergencyWithdraw(ctx context.Context, owner common.Address, id uint64) (domain.Settlement, error) {
	return s.exit(ctx, owner, id, domain.ExitEmergency)
}

func (s *StakingService) exit(ctx context.Context, owner common.Address, id uint64, kind domain.ExitKind) (domain.Settlement, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer unlock()

	var settle func(context.Context, common.Address, uint64) (domain.Settlement, error)
	eventType := domain.EventUnstaked
	if kind == domain.ExitEmergency {
		settle = s.ledger.EmergencyWithdraw
		eventType = domain.EventEmergencyWithdraw
	} else {
		settle = s.ledger.Unstake
	}

	st, err := settle(ctx, owner, id)
	ctx = context.WithoutCancel(ctx)
	if err != nil && !domain.IsUnconfirmed(err) {
		s.onFailure(ctx, string(kind), owner, id, nil, err)
		return domain.Settlement{}, fmt.Errorf("staking_service: %s: %w", kind, err)
	}

	evt := s.newEvent(ctx, eventType, id, owner)
	evt.Principal = st.Principal
	evt.Reward = st.Reward
	evt.Penalty = st.Penalty
	evt.Payout = st.Payout
	s.commit(ctx, evt, map[string]any{
		"position_id": id,
		"owner":       owner.Hex(),
		"kind":        string(kind),
		"principal":   st.Principal.Dec(),
		"reward":      st.Reward.Dec(),
		"penalty":     st.Penalty.Dec(),
		"payout":      st.Payout.Dec(),
	})

	if kind == domain.ExitEmergency {
		s.notify(ctx, string(domain.EventEmergencyWithdraw), "Emergency withdrawal",
			fmt.Sprintf("%s position #%d by %s: penalty %s, payout %s",
				s.ledger.Params().Asset, id, owner.Hex(), st.Penalty.Dec(), st.Payout.Dec()))
	}
	if err != nil {
		s.onUnconfirmed(ctx, string(kind), owner, id, st.Payout, err)
		return st, fmt.Errorf("staking_service: %s: %w", kind, err)
	}
	return st, nil
}

// lock takes the ledger lock, retrying while another holder owns it.
func (s *StakingService) lock(ctx context.Context) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	ticker := time.NewTicker(s.lockPoll)
	defer ticker.Stop()

	for {
		unlock, err := s.locks.Acquire(ctx, s.lockKey, s.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("staking_service: acquire %s: %w", s.lockKey, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("staking_service: acquire %s: %w: %w", s.lockKey, domain.ErrLockHeld, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *StakingService) newEvent(ctx context.Context, typ domain.LedgerEventType, id uint64, owner common.Address) domain.LedgerEvent {
	evt := domain.LedgerEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		Asset:      s.ledger.Params().Asset,
		PositionID: id,
		Owner:      owner,
		At:         s.ledger.Now().UTC(),
	}
	if pool, err := s.ledger.Pool(ctx); err == nil {
		evt.TotalStaked = pool.TotalStaked
	}
	return evt
}

// commit records and publishes a committed operation.
func (s *StakingService) commit(ctx context.Context, evt domain.LedgerEvent, detail map[string]any) {
	if s.audit != nil {
		if err := s.audit.Log(ctx, string(evt.Type), detail); err != nil {
			s.logger.WarnContext(ctx, "staking_service: audit log failed",
				slog.String("event", string(evt.Type)),
				slog.Uint64("position_id", evt.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.publish(ctx, evt)
}

// onFailure reports custody failures; plain validation errors are left to
// the caller.
func (s *StakingService) onFailure(ctx context.Context, op string, owner common.Address, id uint64, amount *uint256.Int, err error) {
	if !errors.Is(err, domain.ErrTransferFailed) {
		return
	}
	s.logger.ErrorContext(ctx, "staking_service: custody transfer failed",
		slog.String("op", op),
		slog.String("owner", owner.Hex()),
		slog.Uint64("position_id", id),
		slog.String("error", err.Error()),
	)

	evt := s.newEvent(ctx, domain.EventTransferFailed, id, owner)
	evt.Principal = amount
	evt.Error = err.Error()
	detail := map[string]any{
		"op":          op,
		"owner":       owner.Hex(),
		"position_id": id,
		"error":       err.Error(),
	}
	if amount != nil {
		detail["amount"] = amount.Dec()
	}
	s.commit(ctx, evt, detail)

	s.notify(ctx, string(domain.EventTransferFailed), "Custody transfer failed",
		fmt.Sprintf("%s %s for %s (position #%d): %v", s.ledger.Params().Asset, op, owner.Hex(), id, err))
}

// onUnconfirmed records a committed operation whose transfer still needs
// to be matched against custody.
func (s *StakingService) onUnconfirmed(ctx context.Context, op string, owner common.Address, id uint64, amount *uint256.Int, err error) {
	s.logger.ErrorContext(ctx, "staking_service: custody transfer unconfirmed",
		slog.String("op", op),
		slog.String("owner", owner.Hex()),
		slog.Uint64("position_id", id),
		slog.String("amount", amount.Dec()),
		slog.String("error", err.Error()),
	)

	evt := s.newEvent(ctx, domain.EventTransferUnconfirmed, id, owner)
	if op == "stake" {
		evt.Principal = amount
	} else {
		evt.Payout = amount
	}
	evt.Error = err.Error()
	s.commit(ctx, evt, map[string]any{
		"op":          op,
		"owner":       owner.Hex(),
		"position_id": id,
		"amount":      amount.Dec(),
		"error":       err.Error(),
	})

	s.notify(ctx, string(domain.EventTransferUnconfirmed), "Custody transfer unconfirmed",
		fmt.Sprintf("%s %s for %s (position #%d, amount %s) is committed but unconfirmed: %v",
			s.ledger.Params().Asset, op, owner.Hex(), id, amount.Dec(), err))
}

func (s *StakingService) publish(ctx context.Context, evt domain.LedgerEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.WarnContext(ctx, "staking_service: marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelStakes, payload); err != nil {
		s.logger.WarnContext(ctx, "staking_service: publish event failed",
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamLedger, payload); err != nil {
		s.logger.WarnContext(ctx, "staking_service: stream append failed",
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *StakingService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "staking_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// Read-only queries. These bypass the distributed lock.
// ---------------------------------------------------------------------------

// Params returns the ledger parameters.
func (s *StakingService) Params() ledger.Params {
	return s.ledger.Params()
}

// Position returns a position by id.
func (s *StakingService) Position(ctx context.Context, id uint64) (domain.StakePosition, error) {
	return s.ledger.Position(ctx, id)
}

// PendingReward returns the reward position id has accrued so far.
func (s *StakingService) PendingReward(ctx context.Context, id uint64) (*uint256.Int, error) {
	return s.ledger.PendingReward(ctx, id, s.ledger.Now())
}

// PositionsByOwner lists an owner's positions, newest first.
func (s *StakingService) PositionsByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.StakePosition, error) {
	return s.ledger.PositionsByOwner(ctx, owner, opts)
}

// Pool returns the pool totals.
func (s *StakingService) Pool(ctx context.Context) (domain.PoolTotals, error) {
	return s.ledger.Pool(ctx)
}

// EffectiveAPR returns the APR a deposit made now would lock in.
func (s *StakingService) EffectiveAPR(ctx context.Context) (uint64, error) {
	return s.ledger.EffectiveAPR(ctx)
}

// EffectiveAPRAt returns the APR offered at a hypothetical pool total.
func (s *StakingService) EffectiveAPRAt(total *uint256.Int) uint64 {
	return s.ledger.EffectiveAPRAt(total)
}
