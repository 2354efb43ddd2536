// Package ledger implements the staking ledger: it opens stake positions,
// prices them with a load-dependent APR snapshot, accrues rewards with
// floor-rounded fixed-point math, and settles normal and emergency exits.
//
// Every mutating operation runs as one serialized transaction. Funds move
// only through the AssetCustody collaborator and state lives only in the
// StakeStore; the ledger orders the two so that a failed transfer never
// leaves a committed state change behind.
//
// A transfer whose outcome is unknown (ErrTransferUnconfirmed, or a custody
// call that timed out) is treated as delivered: the state change stays
// committed and the error is returned alongside the result so the caller can
// reconcile it. Custody calls and the writes that follow them run detached
// from the caller's cancellation.
//
// Queries do not take the transaction lock. While an exit waits on its
// payout they already report the position as withdrawn and the pool without
// its principal; if the payout then fails both are restored.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now as the ledger's clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger is the staking accounting engine.
type Ledger struct {
	params  Params
	rates   RateModel
	store   domain.StakeStore
	custody domain.AssetCustody
	now     func() time.Time
	logger  *slog.Logger

	mu sync.Mutex
}

// New validates params and returns a Ledger over the given store and custody.
func New(
	params Params,
	store domain.StakeStore,
	custody domain.AssetCustody,
	logger *slog.Logger,
	opts ...Option,
) (*Ledger, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if store == nil || custody == nil {
		return nil, errors.New("ledger: store and custody are required")
	}

	l := &Ledger{
		params:  params,
		rates:   NewRateModel(params.InitialAPR, params.APRReductionPerThousand, params.TokenDecimals),
		store:   store,
		custody: custody,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "ledger"), slog.String("asset", params.Asset)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Params returns the ledger's construction parameters.
func (l *Ledger) Params() Params {
	return l.params
}

// Stake deposits amount from caller and opens a new position priced at the
// APR offered by the pre-deposit pool.
func (l *Ledger) Stake(ctx context.Context, caller common.Address, amount *uint256.Int) (domain.StakePosition, error) {
	if amount == nil || amount.IsZero() {
		return domain.StakePosition{}, fmt.Errorf("ledger: stake: zero amount: %w", domain.ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, err := l.store.Pool(ctx)
	if err != nil {
		return domain.StakePosition{}, fmt.Errorf("ledger: stake: load pool: %w", err)
	}
	if _, overflow := new(uint256.Int).AddOverflow(pool.TotalStaked, amount); overflow {
		return domain.StakePosition{}, fmt.Errorf("ledger: stake: pool total overflow: %w", domain.ErrInvalidAmount)
	}

	if l.params.SinglePositionPerOwner {
		n, err := l.store.CountActiveByOwner(ctx, caller)
		if err != nil {
			return domain.StakePosition{}, fmt.Errorf("ledger: stake: count positions: %w", err)
		}
		if n > 0 {
			return domain.StakePosition{}, fmt.Errorf("ledger: stake: %s: %w", caller.Hex(), domain.ErrPositionExists)
		}
	}

	apr := l.rates.EffectiveAPR(pool.TotalStaked)
	start := l.now().UTC().Truncate(time.Second)
	draft := domain.StakePosition{
		Owner:     caller,
		Principal: new(uint256.Int).Set(amount),
		APRAtOpen: apr,
		StartTime: start,
	}

	dctx := context.WithoutCancel(ctx)
	if err := l.custody.TransferIn(dctx, caller, amount); err != nil {
		if !uncertain(err) {
			return domain.StakePosition{}, fmt.Errorf("ledger: stake: %w: %w", domain.ErrTransferFailed, err)
		}
		return l.openUnconfirmed(dctx, draft, err)
	}

	pos, err := l.store.Open(dctx, draft)
	if err != nil {
		// The deposit already moved; hand it back before reporting failure.
		if refundErr := l.custody.TransferOut(dctx, caller, amount); refundErr != nil {
			l.logger.ErrorContext(ctx, "ledger: refund after failed open",
				slog.String("owner", caller.Hex()),
				slog.String("amount", amount.Dec()),
				slog.String("error", refundErr.Error()),
			)
			return domain.StakePosition{}, fmt.Errorf("ledger: stake: record position: %w", errors.Join(err, refundErr))
		}
		return domain.StakePosition{}, fmt.Errorf("ledger: stake: record position: %w", err)
	}

	l.logger.InfoContext(ctx, "ledger: staked",
		slog.Uint64("position_id", pos.ID),
		slog.String("owner", caller.Hex()),
		slog.String("principal", amount.Dec()),
		slog.Uint64("apr_bps", apr),
	)
	return pos, nil
}

// openUnconfirmed records a position whose deposit may have landed. The
// position is returned with an ErrTransferUnconfirmed error.
func (l *Ledger) openUnconfirmed(ctx context.Context, draft domain.StakePosition, transferErr error) (domain.StakePosition, error) {
	pos, err := l.store.Open(ctx, draft)
	if err != nil {
		l.logger.ErrorContext(ctx, "ledger: unconfirmed deposit not recorded",
			slog.String("owner", draft.Owner.Hex()),
			slog.String("amount", draft.Principal.Dec()),
			slog.String("transfer_error", transferErr.Error()),
			slog.String("error", err.Error()),
		)
		return domain.StakePosition{}, fmt.Errorf("ledger: stake: record position: %w: %w",
			domain.ErrTransferFailed, errors.Join(asUnconfirmed(transferErr), err))
	}

	l.logger.ErrorContext(ctx, "ledger: deposit unconfirmed, position recorded",
		slog.Uint64("position_id", pos.ID),
		slog.String("owner", draft.Owner.Hex()),
		slog.String("principal", draft.Principal.Dec()),
		slog.String("error", transferErr.Error()),
	)
	return pos, fmt.Errorf("ledger: stake: position %d: %w", pos.ID, asUnconfirmed(transferErr))
}

// Unstake settles a position after its lock has elapsed, paying principal
// plus accrued reward.
func (l *Ledger) Unstake(ctx context.Context, caller common.Address, id uint64) (domain.Settlement, error) {
	return l.exit(ctx, caller, id, domain.ExitUnstake)
}

// EmergencyWithdraw settles a position regardless of its lock, forfeiting
// the configured percentage of principal.
func (l *Ledger) EmergencyWithdraw(ctx context.Context, caller common.Address, id uint64) (domain.Settlement, error) {
	return l.exit(ctx, caller, id, domain.ExitEmergency)
}

func (l *Ledger) exit(ctx context.Context, caller common.Address, id uint64, kind domain.ExitKind) (domain.Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("ledger: %s %d: %w", kind, id, err)
	}
	if pos.Owner != caller {
		return domain.Settlement{}, fmt.Errorf("ledger: %s %d: caller %s: %w", kind, id, caller.Hex(), domain.ErrUnauthorized)
	}
	if pos.Withdrawn {
		return domain.Settlement{}, fmt.Errorf("ledger: %s %d: %w", kind, id, domain.ErrAlreadyWithdrawn)
	}

	now := l.now().UTC().Truncate(time.Second)
	elapsed := ElapsedSeconds(pos.StartTime, now)
	if kind == domain.ExitUnstake && elapsed < l.params.minLockSeconds() {
		return domain.Settlement{}, fmt.Errorf("ledger: %s %d: %ds of %ds elapsed: %w",
			kind, id, elapsed, l.params.minLockSeconds(), domain.ErrLockNotExpired)
	}

	s, err := l.settlement(pos, kind, elapsed, now)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("ledger: %s %d: %w", kind, id, err)
	}

	if err := l.store.Settle(ctx, s); err != nil {
		return domain.Settlement{}, fmt.Errorf("ledger: %s %d: record settlement: %w", kind, id, err)
	}

	if !s.Payout.IsZero() {
		dctx := context.WithoutCancel(ctx)
		if err := l.custody.TransferOut(dctx, caller, s.Payout); err != nil {
			if uncertain(err) {
				// The payout may be on its way; reopening the position could pay it twice.
				l.logger.ErrorContext(ctx, "ledger: payout unconfirmed, position stays settled",
					slog.Uint64("position_id", id),
					slog.String("payout", s.Payout.Dec()),
					slog.String("error", err.Error()),
				)
				return s, fmt.Errorf("ledger: %s %d: %w", kind, id, asUnconfirmed(err))
			}
			if revertErr := l.store.Revert(dctx, id); revertErr != nil {
				l.logger.ErrorContext(ctx, "ledger: revert after failed payout",
					slog.Uint64("position_id", id),
					slog.String("payout", s.Payout.Dec()),
					slog.String("error", revertErr.Error()),
				)
				return domain.Settlement{}, fmt.Errorf("ledger: %s %d: %w: %w", kind, id, domain.ErrTransferFailed, errors.Join(err, revertErr))
			}
			return domain.Settlement{}, fmt.Errorf("ledger: %s %d: %w: %w", kind, id, domain.ErrTransferFailed, err)
		}
	}

	l.logger.InfoContext(ctx, "ledger: position settled",
		slog.Uint64("position_id", id),
		slog.String("kind", string(kind)),
		slog.String("principal", s.Principal.Dec()),
		slog.String("reward", s.Reward.Dec()),
		slog.String("penalty", s.Penalty.Dec()),
		slog.String("payout", s.Payout.Dec()),
	)
	return s, nil
}

// settlement prices an exit without touching any state.
func (l *Ledger) settlement(pos domain.StakePosition, kind domain.ExitKind, elapsed uint64, now time.Time) (domain.Settlement, error) {
	reward, err := Reward(pos.Principal, pos.APRAtOpen, elapsed)
	if err != nil {
		return domain.Settlement{}, err
	}

	penalty := new(uint256.Int)
	if kind == domain.ExitEmergency {
		if penalty, err = Penalty(pos.Principal, l.params.EmergencyWithdrawPenalty); err != nil {
			return domain.Settlement{}, err
		}
		if l.params.ForfeitRewardOnEmergency {
			reward = new(uint256.Int)
		}
	}

	// penalty <= principal, so the subtraction cannot underflow.
	payout := new(uint256.Int).Sub(pos.Principal, penalty)
	if _, overflow := payout.AddOverflow(payout, reward); overflow {
		return domain.Settlement{}, fmt.Errorf("payout overflow: %w", domain.ErrInvalidAmount)
	}

	return domain.Settlement{
		PositionID: pos.ID,
		Owner:      pos.Owner,
		Kind:       kind,
		Principal:  new(uint256.Int).Set(pos.Principal),
		Reward:     reward,
		Penalty:    penalty,
		Payout:     payout,
		SettledAt:  now,
	}, nil
}

// ---------------------------------------------------------------------------
// Queries. None of these take the transaction lock or mutate state.
// ---------------------------------------------------------------------------

// Position returns a position by id.
func (l *Ledger) Position(ctx context.Context, id uint64) (domain.StakePosition, error) {
	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.StakePosition{}, fmt.Errorf("ledger: position %d: %w", id, err)
	}
	return pos, nil
}

// PositionsByOwner lists an owner's positions, newest first.
func (l *Ledger) PositionsByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.StakePosition, error) {
	positions, err := l.store.ListByOwner(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: positions for %s: %w", owner.Hex(), err)
	}
	return positions, nil
}

// PendingReward returns the reward accrued by position id at now.
func (l *Ledger) PendingReward(ctx context.Context, id uint64, now time.Time) (*uint256.Int, error) {
	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ledger: pending reward %d: %w", id, err)
	}
	reward, err := PendingReward(pos, now)
	if err != nil {
		return nil, fmt.Errorf("ledger: pending reward %d: %w", id, err)
	}
	return reward, nil
}

// Pool returns the current pool totals.
func (l *Ledger) Pool(ctx context.Context) (domain.PoolTotals, error) {
	pool, err := l.store.Pool(ctx)
	if err != nil {
		return domain.PoolTotals{}, fmt.Errorf("ledger: pool: %w", err)
	}
	return pool, nil
}

// EffectiveAPR returns the APR a new deposit would receive right now.
func (l *Ledger) EffectiveAPR(ctx context.Context) (uint64, error) {
	pool, err := l.Pool(ctx)
	if err != nil {
		return 0, err
	}
	return l.rates.EffectiveAPR(pool.TotalStaked), nil
}

// EffectiveAPRAt returns the APR offered at a hypothetical pool load.
func (l *Ledger) EffectiveAPRAt(totalStaked *uint256.Int) uint64 {
	return l.rates.EffectiveAPR(totalStaked)
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// CheckConservation verifies that the recorded pool total equals the sum of
// active principals. It returns ErrInvariantViolated on drift. The check
// waits for any in-flight operation and reads one store snapshot.
func (l *Ledger) CheckConservation(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, active, err := l.store.ActiveSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("ledger: conservation: snapshot: %w", err)
	}

	sum := new(uint256.Int)
	for _, pos := range active {
		if _, overflow := sum.AddOverflow(sum, pos.Principal); overflow {
			return fmt.Errorf("ledger: conservation: principal sum overflow: %w", domain.ErrInvariantViolated)
		}
	}

	if !sum.Eq(pool.TotalStaked) || int64(len(active)) != pool.ActivePositions {
		return fmt.Errorf("ledger: conservation: total_staked=%s active_sum=%s recorded_active=%d counted_active=%d: %w",
			pool.TotalStaked.Dec(), sum.Dec(), pool.ActivePositions, len(active), domain.ErrInvariantViolated)
	}
	return nil
}

// uncertain reports whether a custody error leaves the transfer's outcome
// unknown.
func uncertain(err error) bool {
	return errors.Is(err, domain.ErrTransferUnconfirmed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func asUnconfirmed(err error) error {
	if errors.Is(err, domain.ErrTransferUnconfirmed) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransferUnconfirmed, err)
}
