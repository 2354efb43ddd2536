package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// Custody adapts a Token to domain.AssetCustody. The vault address holds the
// staked funds and acts as the spender for deposits.
type Custody struct {
	token *Token
	vault common.Address
}

// NewCustody returns a Custody that keeps funds at vault.
func NewCustody(t *Token, vault common.Address) *Custody {
	return &Custody{token: t, vault: vault}
}

// Vault returns the custody account address.
func (c *Custody) Vault() common.Address {
	return c.vault
}

// TransferIn pulls amount from the payer into the vault using the payer's
// allowance to the vault.
func (c *Custody) TransferIn(_ context.Context, from common.Address, amount *uint256.Int) error {
	if err := c.token.TransferFrom(c.vault, from, c.vault, amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInsufficientAllowance) {
			return fmt.Errorf("%w: %w", domain.ErrInsufficientFunds, err)
		}
		return err
	}
	return nil
}

// TransferOut pays amount from the vault to the payee.
func (c *Custody) TransferOut(_ context.Context, to common.Address, amount *uint256.Int) error {
	if err := c.token.Transfer(c.vault, to, amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("%w: %w", domain.ErrInsufficientReserve, err)
		}
		return err
	}
	return nil
}

// Compile-time interface check.
var _ domain.AssetCustody = (*Custody)(nil)
