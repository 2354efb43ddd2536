package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ExitKind records how a position left the pool.
type ExitKind string

const (
	ExitNone      ExitKind = ""
	ExitUnstake   ExitKind = "unstake"
	ExitEmergency ExitKind = "emergency"
)

// StakePosition is a single deposit held by the ledger. Owner, Principal,
// APRAtOpen and StartTime never change once the position is opened; the
// settlement fields are filled in exactly once, when the position exits.
type StakePosition struct {
	ID        uint64         `json:"id"`
	Owner     common.Address `json:"owner"`
	Principal *uint256.Int   `json:"principal"`
	APRAtOpen uint64         `json:"apr_at_open"` // basis points
	StartTime time.Time      `json:"start_time"`
	Withdrawn bool           `json:"withdrawn"`

	Exit      ExitKind     `json:"exit,omitempty"`
	SettledAt *time.Time   `json:"settled_at,omitempty"`
	Reward    *uint256.Int `json:"reward,omitempty"`
	Penalty   *uint256.Int `json:"penalty,omitempty"`
	Payout    *uint256.Int `json:"payout,omitempty"`
}

// Active reports whether the position still counts toward the pool.
func (p StakePosition) Active() bool {
	return !p.Withdrawn
}

// Clone returns a deep copy so callers cannot alias amounts held by a store.
func (p StakePosition) Clone() StakePosition {
	out := p
	out.Principal = cloneAmount(p.Principal)
	out.Reward = cloneAmount(p.Reward)
	out.Penalty = cloneAmount(p.Penalty)
	out.Payout = cloneAmount(p.Payout)
	if p.SettledAt != nil {
		t := *p.SettledAt
		out.SettledAt = &t
	}
	return out
}

// Settlement is the terminal record written when a position exits.
type Settlement struct {
	PositionID uint64         `json:"position_id"`
	Owner      common.Address `json:"owner"`
	Kind       ExitKind       `json:"kind"`
	Principal  *uint256.Int   `json:"principal"`
	Reward     *uint256.Int   `json:"reward"`
	Penalty    *uint256.Int   `json:"penalty"`
	Payout     *uint256.Int   `json:"payout"`
	SettledAt  time.Time      `json:"settled_at"`
}

// Apply copies the settlement onto pos and marks it withdrawn.
func (s Settlement) Apply(pos *StakePosition) {
	settledAt := s.SettledAt
	pos.Withdrawn = true
	pos.Exit = s.Kind
	pos.SettledAt = &settledAt
	pos.Reward = cloneAmount(s.Reward)
	pos.Penalty = cloneAmount(s.Penalty)
	pos.Payout = cloneAmount(s.Payout)
}

// PoolTotals is the pool-wide accounting record.
type PoolTotals struct {
	TotalStaked     *uint256.Int `json:"total_staked"`
	ActivePositions int64        `json:"active_positions"`
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}
