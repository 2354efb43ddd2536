package token

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

var (
	treasury = common.HexToAddress("0x0000000000000000000000000000000000000001")
	vault    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	holder   = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func newToken(t *testing.T) *Token {
	t.Helper()
	tok, err := New("Stake", "STK", 18, uint256.NewInt(1_000_000), treasury)
	require.NoError(t, err)
	return tok
}

func TestNew(t *testing.T) {
	_, err := New("Stake", "STK", 18, uint256.NewInt(1), common.Address{})
	assert.ErrorIs(t, err, ErrZeroAddress)
	_, err = New("Stake", "STK", 18, new(uint256.Int), treasury)
	assert.Error(t, err)

	tok := newToken(t)
	assert.Equal(t, "STK", tok.Symbol())
	assert.Equal(t, uint8(18), tok.Decimals())
	assert.Equal(t, "1000000", tok.BalanceOf(treasury).Dec())
	assert.Equal(t, "1000000", tok.TotalSupply().Dec())
}

func TestTransfer(t *testing.T) {
	tok := newToken(t)

	require.NoError(t, tok.Transfer(treasury, holder, uint256.NewInt(400)))
	assert.Equal(t, "999600", tok.BalanceOf(treasury).Dec())
	assert.Equal(t, "400", tok.BalanceOf(holder).Dec())

	assert.ErrorIs(t, tok.Transfer(holder, vault, uint256.NewInt(401)), ErrInsufficientBalance)
	assert.ErrorIs(t, tok.Transfer(holder, common.Address{}, uint256.NewInt(1)), ErrZeroAddress)
	assert.Equal(t, "400", tok.BalanceOf(holder).Dec())

	require.NoError(t, tok.Transfer(holder, holder, uint256.NewInt(400)))
	assert.Equal(t, "400", tok.BalanceOf(holder).Dec())
}

func TestTransferFrom(t *testing.T) {
	tok := newToken(t)
	require.NoError(t, tok.Transfer(treasury, holder, uint256.NewInt(500)))
	require.NoError(t, tok.Approve(holder, vault, uint256.NewInt(300)))

	require.NoError(t, tok.TransferFrom(vault, holder, vault, uint256.NewInt(200)))
	assert.Equal(t, "100", tok.Allowance(holder, vault).Dec())
	assert.Equal(t, "200", tok.BalanceOf(vault).Dec())

	assert.ErrorIs(t, tok.TransferFrom(vault, holder, vault, uint256.NewInt(101)), ErrInsufficientAllowance)

	require.NoError(t, tok.Approve(holder, vault, uint256.NewInt(10_000)))
	assert.ErrorIs(t, tok.TransferFrom(vault, holder, vault, uint256.NewInt(301)), ErrInsufficientBalance)
	assert.Equal(t, "10000", tok.Allowance(holder, vault).Dec(), "failed transfer must not spend allowance")
}

func TestTransferFrom_ZeroWithoutApproval(t *testing.T) {
	tok := newToken(t)

	require.NotPanics(t, func() {
		require.NoError(t, tok.TransferFrom(vault, holder, vault, new(uint256.Int)))
	})
	assert.Equal(t, "0", tok.Allowance(holder, vault).Dec())
	assert.Equal(t, "0", tok.BalanceOf(vault).Dec())
}

func TestCustody(t *testing.T) {
	ctx := context.Background()
	tok := newToken(t)
	c := NewCustody(tok, vault)
	require.NoError(t, tok.Transfer(treasury, holder, uint256.NewInt(1_000)))

	err := c.TransferIn(ctx, holder, uint256.NewInt(10))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	require.NoError(t, tok.Approve(holder, vault, uint256.NewInt(1_000)))
	require.NoError(t, c.TransferIn(ctx, holder, uint256.NewInt(600)))
	assert.Equal(t, "600", tok.BalanceOf(vault).Dec())

	err = c.TransferOut(ctx, holder, uint256.NewInt(601))
	assert.ErrorIs(t, err, domain.ErrInsufficientReserve)

	require.NoError(t, c.TransferOut(ctx, holder, uint256.NewInt(600)))
	assert.Equal(t, "1000", tok.BalanceOf(holder).Dec())
	assert.True(t, tok.BalanceOf(vault).IsZero())
}
