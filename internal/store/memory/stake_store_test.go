package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func openPosition(t *testing.T, s *StakeStore, amount uint64, start time.Time) domain.StakePosition {
	t.Helper()
	pos, err := s.Open(context.Background(), domain.StakePosition{
		Owner:     owner,
		Principal: uint256.NewInt(amount),
		APRAtOpen: 500,
		StartTime: start,
	})
	require.NoError(t, err)
	return pos
}

func settlementFor(pos domain.StakePosition, at time.Time) domain.Settlement {
	return domain.Settlement{
		PositionID: pos.ID,
		Owner:      pos.Owner,
		Kind:       domain.ExitUnstake,
		Principal:  pos.Principal,
		Reward:     uint256.NewInt(5),
		Penalty:    new(uint256.Int),
		Payout:     new(uint256.Int).AddUint64(pos.Principal, 5),
		SettledAt:  at,
	}
}

func TestStakeStore_OpenSettleRevert(t *testing.T) {
	ctx := context.Background()
	s := NewStakeStore()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := openPosition(t, s, 100, start)
	b := openPosition(t, s, 250, start)
	assert.Equal(t, uint64(1), a.ID)
	assert.Equal(t, uint64(2), b.ID)

	pool, err := s.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "350", pool.TotalStaked.Dec())
	assert.Equal(t, int64(2), pool.ActivePositions)

	require.NoError(t, s.Settle(ctx, settlementFor(a, start.Add(time.Hour))))
	assert.ErrorIs(t, s.Settle(ctx, settlementFor(a, start.Add(time.Hour))), domain.ErrAlreadyWithdrawn)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Withdrawn)
	assert.Equal(t, "105", got.Payout.Dec())

	pool, err = s.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "250", pool.TotalStaked.Dec())
	assert.Equal(t, int64(1), pool.ActivePositions)

	require.NoError(t, s.Revert(ctx, a.ID))
	got, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Withdrawn)
	assert.Nil(t, got.SettledAt)

	pool, err = s.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "350", pool.TotalStaked.Dec())
	assert.Equal(t, int64(2), pool.ActivePositions)

	// Reverting an active position is a no-op.
	require.NoError(t, s.Revert(ctx, a.ID))
	pool, err = s.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "350", pool.TotalStaked.Dec())
}

func TestStakeStore_ActiveSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewStakeStore()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := openPosition(t, s, 100, start)
	openPosition(t, s, 250, start)
	openPosition(t, s, 40, start)
	require.NoError(t, s.Settle(ctx, settlementFor(a, start.Add(time.Hour))))

	pool, active, err := s.ActiveSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "290", pool.TotalStaked.Dec())
	assert.Equal(t, int64(2), pool.ActivePositions)
	require.Len(t, active, 2)
	assert.Equal(t, uint64(2), active[0].ID)
	assert.Equal(t, uint64(3), active[1].ID)

	active[0].Principal.SetUint64(1)
	pool.TotalStaked.SetUint64(1)
	again, err := s.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "250", again.Principal.Dec())
	fresh, err := s.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "290", fresh.TotalStaked.Dec())
}

func TestStakeStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewStakeStore()

	_, err := s.Open(ctx, domain.StakePosition{Owner: owner, Principal: new(uint256.Int)})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = s.Get(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.Settle(ctx, domain.Settlement{PositionID: 7}), domain.ErrNotFound)
	assert.ErrorIs(t, s.Revert(ctx, 7), domain.ErrNotFound)

	openPosition(t, s, 1, time.Now())
	_, err = s.Open(ctx, domain.StakePosition{Owner: owner, Principal: new(uint256.Int).SetAllOne()})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestStakeStore_Queries(t *testing.T) {
	ctx := context.Background()
	s := NewStakeStore()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := openPosition(t, s, 10, start)
	openPosition(t, s, 20, start.Add(time.Minute))
	c := openPosition(t, s, 30, start.Add(2*time.Minute))
	require.NoError(t, s.Settle(ctx, settlementFor(a, start.Add(time.Hour))))
	require.NoError(t, s.Settle(ctx, settlementFor(c, start.Add(3*time.Hour))))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, uint64(2), active[0].ID)

	n, err := s.CountActiveByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	settled, err := s.ListSettledBefore(ctx, start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, a.ID, settled[0].ID)

	since := start.Add(30 * time.Second)
	mine, err := s.ListByOwner(ctx, owner, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, uint64(3), mine[0].ID)

	none, err := s.ListByOwner(ctx, owner, domain.ListOpts{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditStore_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()

	detail := map[string]any{"position_id": 1}
	require.NoError(t, s.Log(ctx, "stake", detail))
	detail["position_id"] = 99
	require.NoError(t, s.Log(ctx, "unstake", map[string]any{"position_id": 1}))

	entries, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "unstake", entries[0].Event)
	assert.Equal(t, 1, entries[1].Detail["position_id"])

	entries, err = s.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
