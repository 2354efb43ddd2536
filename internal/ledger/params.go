package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

const (
	// SecondsPerYear is the accrual year used by the reward formula.
	SecondsPerYear = 365 * 24 * 60 * 60
	// APRDenominator expresses APR in basis points.
	APRDenominator = 10_000
	// PercentDenominator expresses the emergency penalty in whole percent.
	PercentDenominator = 100
	// MaxAPR caps the configured base APR (1000%).
	MaxAPR = 100_000
	// MaxLockDuration caps the minimum lock.
	MaxLockDuration = 10 * SecondsPerYear * time.Second
	// MaxTokenDecimals keeps the whole-token unit well inside 256 bits.
	MaxTokenDecimals = 36
)

// Params is the construction-time configuration of a ledger. It is fixed for
// the lifetime of the ledger.
type Params struct {
	Asset                    string
	InitialAPR               uint64 // basis points
	MinLockDuration          time.Duration
	APRReductionPerThousand  uint64 // basis points per 1,000 whole tokens staked
	EmergencyWithdrawPenalty uint64 // percent of principal, 0-100
	TokenDecimals            uint8

	// SinglePositionPerOwner limits every owner to one active position.
	SinglePositionPerOwner bool
	// ForfeitRewardOnEmergency drops accrued reward on emergency exits.
	ForfeitRewardOnEmergency bool
}

// Validate checks every parameter and returns one error listing all problems.
func (p Params) Validate() error {
	var errs []string

	if strings.TrimSpace(p.Asset) == "" {
		errs = append(errs, "asset must not be empty")
	}
	if p.InitialAPR == 0 {
		errs = append(errs, "initial_apr must be > 0")
	}
	if p.InitialAPR > MaxAPR {
		errs = append(errs, fmt.Sprintf("initial_apr must be <= %d bps, got %d", MaxAPR, p.InitialAPR))
	}
	if p.APRReductionPerThousand > p.InitialAPR {
		errs = append(errs, fmt.Sprintf("apr_reduction_per_thousand (%d) must not exceed initial_apr (%d)",
			p.APRReductionPerThousand, p.InitialAPR))
	}
	if p.EmergencyWithdrawPenalty > PercentDenominator {
		errs = append(errs, fmt.Sprintf("emergency_withdraw_penalty must be 0-100, got %d", p.EmergencyWithdrawPenalty))
	}
	if p.MinLockDuration < 0 {
		errs = append(errs, "min_lock_duration must not be negative")
	}
	if p.MinLockDuration > MaxLockDuration {
		errs = append(errs, fmt.Sprintf("min_lock_duration must be <= %s", MaxLockDuration))
	}
	if p.MinLockDuration%time.Second != 0 {
		errs = append(errs, "min_lock_duration must be a whole number of seconds")
	}
	if p.TokenDecimals > MaxTokenDecimals {
		errs = append(errs, fmt.Sprintf("token_decimals must be <= %d, got %d", MaxTokenDecimals, p.TokenDecimals))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", domain.ErrInvalidParams, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (p Params) minLockSeconds() uint64 {
	return uint64(p.MinLockDuration / time.Second)
}
