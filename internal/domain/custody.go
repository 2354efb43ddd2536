package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetCustody holds the staked asset on behalf of the ledger. Each call is an
// all-or-nothing balance movement. TransferIn fails with ErrInsufficientFunds
// when the payer lacks balance or approval; TransferOut fails with
// ErrInsufficientReserve when custody cannot cover the payout.
type AssetCustody interface {
	TransferIn(ctx context.Context, from common.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, to common.Address, amount *uint256.Int) error
}
