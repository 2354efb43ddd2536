package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LedgerEventType names a committed ledger operation.
type LedgerEventType string

const (
	EventStaked              LedgerEventType = "staked"
	EventUnstaked            LedgerEventType = "unstaked"
	EventEmergencyWithdraw   LedgerEventType = "emergency_withdraw"
	EventTransferFailed      LedgerEventType = "transfer_failed"
	EventTransferUnconfirmed LedgerEventType = "transfer_unconfirmed"
	EventInvariantDrift      LedgerEventType = "invariant_drift"
)

// Event channels and streams used on the SignalBus.
const (
	ChannelStakes = "stakes"
	StreamLedger  = "ledger:events"
)

// LedgerEvent is published after every committed operation.
type LedgerEvent struct {
	ID          string          `json:"id"`
	Type        LedgerEventType `json:"type"`
	Asset       string          `json:"asset"`
	PositionID  uint64          `json:"position_id"`
	Owner       common.Address  `json:"owner"`
	Principal   *uint256.Int    `json:"principal,omitempty"`
	APR         uint64          `json:"apr,omitempty"`
	Reward      *uint256.Int    `json:"reward,omitempty"`
	Penalty     *uint256.Int    `json:"penalty,omitempty"`
	Payout      *uint256.Int    `json:"payout,omitempty"`
	TotalStaked *uint256.Int    `json:"total_staked,omitempty"`
	Error       string          `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}
