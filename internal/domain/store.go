package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StakeStore persists stake positions together with the pool totals. Every
// mutating method updates the position and the pool in one atomic step so
// that TotalStaked always equals the sum of active principals.
type StakeStore interface {
	// Open assigns the next stake id, stores pos as active and adds its
	// principal to the pool total.
	Open(ctx context.Context, pos StakePosition) (StakePosition, error)
	// Settle marks the position withdrawn and subtracts its principal from
	// the pool total. Returns ErrAlreadyWithdrawn if it was already settled.
	Settle(ctx context.Context, s Settlement) error
	// Revert undoes a settlement whose payout could not be delivered.
	Revert(ctx context.Context, id uint64) error

	Get(ctx context.Context, id uint64) (StakePosition, error)
	ListByOwner(ctx context.Context, owner common.Address, opts ListOpts) ([]StakePosition, error)
	ListActive(ctx context.Context) ([]StakePosition, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]StakePosition, error)
	CountActiveByOwner(ctx context.Context, owner common.Address) (int64, error)
	Pool(ctx context.Context) (PoolTotals, error)
	// ActiveSnapshot returns the pool totals and every active position as
	// of one consistent point in time.
	ActiveSnapshot(ctx context.Context) (PoolTotals, []StakePosition, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
