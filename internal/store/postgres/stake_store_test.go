package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/ledger?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "ledger"}))
	assert.Equal(t, "postgres://u:p@db:6543/ledger?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "ledger", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrationFilesOrdered(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}

func TestAmountHelpers(t *testing.T) {
	v, err := parseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.True(t, v.Eq(new(uint256.Int).SetAllOne()))

	_, err = parseAmount("-1")
	assert.Error(t, err)

	none, err := parseOptionalAmount(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.Equal(t, "0", amountOrZero(nil))
	assert.Equal(t, "42", amountOrZero(uint256.NewInt(42)))
}

// testClient connects to STAKELEDGER_TEST_POSTGRES_DSN or skips.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("STAKELEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STAKELEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestStakeStore_Postgres(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	asset := fmt.Sprintf("TEST-%d", time.Now().UnixNano())

	s, err := NewStakeStore(ctx, c.Pool(), asset)
	require.NoError(t, err)

	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	start := time.Now().UTC().Truncate(time.Second)

	a, err := s.Open(ctx, domain.StakePosition{Owner: owner, Principal: uint256.NewInt(1_000), APRAtOpen: 500, StartTime: start})
	require.NoError(t, err)
	b, err := s.Open(ctx, domain.StakePosition{Owner: owner, Principal: uint256.NewInt(2_000), APRAtOpen: 490, StartTime: start})
	require.NoError(t, err)
	assert.Greater(t, b.ID, a.ID)

	pool, err := s.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3000", pool.TotalStaked.Dec())
	assert.Equal(t, int64(2), pool.ActivePositions)

	settlement := domain.Settlement{
		PositionID: a.ID, Owner: owner, Kind: domain.ExitEmergency,
		Principal: uint256.NewInt(1_000), Reward: uint256.NewInt(3),
		Penalty: uint256.NewInt(100), Payout: uint256.NewInt(903),
		SettledAt: start.Add(time.Minute),
	}
	require.NoError(t, s.Settle(ctx, settlement))
	assert.ErrorIs(t, s.Settle(ctx, settlement), domain.ErrAlreadyWithdrawn)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Withdrawn)
	assert.Equal(t, domain.ExitEmergency, got.Exit)
	assert.Equal(t, "903", got.Payout.Dec())
	assert.Equal(t, owner, got.Owner)

	require.NoError(t, s.Revert(ctx, a.ID))
	pool, err = s.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3000", pool.TotalStaked.Dec())

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	snapPool, snapActive, err := s.ActiveSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3000", snapPool.TotalStaked.Dec())
	assert.Equal(t, int64(2), snapPool.ActivePositions)
	assert.Len(t, snapActive, 2)

	n, err := s.CountActiveByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.Get(ctx, b.ID+1_000_000)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
