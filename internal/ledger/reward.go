package ledger

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

var (
	rewardDenominator  = uint256.NewInt(SecondsPerYear * APRDenominator)
	percentDenominator = uint256.NewInt(PercentDenominator)
)

// ElapsedSeconds returns whole seconds from start to now, floored at zero.
func ElapsedSeconds(start, now time.Time) uint64 {
	d := now.Unix() - start.Unix()
	if d <= 0 {
		return 0
	}
	return uint64(d)
}

// Reward computes floor(principal * aprBps * elapsed / (SecondsPerYear * APRDenominator)).
// The product is carried in 512 bits, so only a result that does not fit in
// 256 bits fails, with ErrInvalidAmount.
func Reward(principal *uint256.Int, aprBps, elapsed uint64) (*uint256.Int, error) {
	if principal == nil || principal.IsZero() || aprBps == 0 || elapsed == 0 {
		return new(uint256.Int), nil
	}

	// aprBps and elapsed are both 64-bit, their product cannot overflow 256 bits.
	rate := new(uint256.Int).Mul(uint256.NewInt(aprBps), uint256.NewInt(elapsed))

	reward, overflow := new(uint256.Int).MulDivOverflow(principal, rate, rewardDenominator)
	if overflow {
		return nil, fmt.Errorf("reward overflow for principal %s: %w", principal.Dec(), domain.ErrInvalidAmount)
	}
	return reward, nil
}

// Penalty computes floor(principal * pct / 100).
func Penalty(principal *uint256.Int, pct uint64) (*uint256.Int, error) {
	if principal == nil || principal.IsZero() || pct == 0 {
		return new(uint256.Int), nil
	}
	if pct > PercentDenominator {
		return nil, fmt.Errorf("penalty %d%% exceeds 100%%: %w", pct, domain.ErrInvalidAmount)
	}
	penalty, overflow := new(uint256.Int).MulDivOverflow(principal, uint256.NewInt(pct), percentDenominator)
	if overflow {
		return nil, fmt.Errorf("penalty overflow for principal %s: %w", principal.Dec(), domain.ErrInvalidAmount)
	}
	return penalty, nil
}

// PendingReward returns the reward pos has accrued at now. Withdrawn
// positions always report zero.
func PendingReward(pos domain.StakePosition, now time.Time) (*uint256.Int, error) {
	if pos.Withdrawn {
		return new(uint256.Int), nil
	}
	return Reward(pos.Principal, pos.APRAtOpen, ElapsedSeconds(pos.StartTime, now))
}
