// Package evm implements AssetCustody against an ERC20 token contract. The
// custody key is the vault: deposits are pulled with transferFrom against the
// payer's allowance to the vault, payouts are sent with transfer.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// erc20ABI is the subset of the ERC20 interface the custody uses.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// ErrReverted is returned when a custody transaction is mined but fails.
var ErrReverted = errors.New("evm: transaction reverted")

// Backend is what the custody needs from a node connection. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	receiptFetcher
}

type receiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Transactor produces signed transaction options for the vault key.
type Transactor interface {
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// Config tunes receipt polling.
type Config struct {
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// Custody implements domain.AssetCustody for one ERC20 contract.
type Custody struct {
	token    common.Address
	contract *bind.BoundContract
	backend  Backend
	signer   Transactor
	cfg      Config
	logger   *slog.Logger
}

// NewCustody binds the ERC20 at token through backend.
func NewCustody(token common.Address, backend Backend, signer Transactor, cfg Config, logger *slog.Logger) (*Custody, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse erc20 abi: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &Custody{
		token:    token,
		contract: bind.NewBoundContract(token, parsed, backend, backend, backend),
		backend:  backend,
		signer:   signer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "evm_custody"), slog.String("token", token.Hex())),
	}, nil
}

// Vault returns the address that holds staked funds.
func (c *Custody) Vault() common.Address {
	return c.signer.Address()
}

// TransferIn pulls amount from the payer into the vault.
func (c *Custody) TransferIn(ctx context.Context, from common.Address, amount *uint256.Int) error {
	vault := c.signer.Address()

	balance, err := c.callAmount(ctx, "balanceOf", from)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("evm: transfer in: balance %s < %s: %w", balance.Dec(), amount.Dec(), domain.ErrInsufficientFunds)
	}
	allowance, err := c.callAmount(ctx, "allowance", from, vault)
	if err != nil {
		return err
	}
	if allowance.Lt(amount) {
		return fmt.Errorf("evm: transfer in: allowance %s < %s: %w", allowance.Dec(), amount.Dec(), domain.ErrInsufficientFunds)
	}

	if err := c.transact(ctx, "transferFrom", from, vault, amount.ToBig()); err != nil {
		if errors.Is(err, ErrReverted) {
			return fmt.Errorf("%w: %w", domain.ErrInsufficientFunds, err)
		}
		return err
	}
	return nil
}

// TransferOut pays amount from the vault to the payee.
func (c *Custody) TransferOut(ctx context.Context, to common.Address, amount *uint256.Int) error {
	reserve, err := c.callAmount(ctx, "balanceOf", c.signer.Address())
	if err != nil {
		return err
	}
	if reserve.Lt(amount) {
		return fmt.Errorf("evm: transfer out: reserve %s < %s: %w", reserve.Dec(), amount.Dec(), domain.ErrInsufficientReserve)
	}

	if err := c.transact(ctx, "transfer", to, amount.ToBig()); err != nil {
		if errors.Is(err, ErrReverted) {
			return fmt.Errorf("%w: %w", domain.ErrInsufficientReserve, err)
		}
		return err
	}
	return nil
}

// Decimals reads the token's decimals from the contract.
func (c *Custody) Decimals(ctx context.Context) (uint8, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("evm: decimals: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("evm: decimals: unexpected result %v", out)
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("evm: decimals: unexpected type %T", out[0])
	}
	return d, nil
}

func (c *Custody) callAmount(ctx context.Context, method string, args ...interface{}) (*uint256.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("evm: %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("evm: %s: unexpected result %v", method, out)
	}
	return toAmount(method, out[0])
}

// transact sends method and waits for its receipt. Once the transaction is
// broadcast the outcome is final only on a receipt; any other failure is
// reported as domain.ErrTransferUnconfirmed.
func (c *Custody) transact(ctx context.Context, method string, args ...interface{}) error {
	opts, err := c.signer.TransactOpts(ctx)
	if err != nil {
		return fmt.Errorf("evm: %s: %w", method, err)
	}
	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		return fmt.Errorf("evm: %s: send: %w", method, err)
	}

	c.logger.InfoContext(ctx, "evm: transaction sent",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
	)

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := waitReceipt(waitCtx, c.backend, tx.Hash(), c.cfg.PollInterval)
	if err != nil {
		c.logger.ErrorContext(ctx, "evm: transaction unconfirmed",
			slog.String("method", method),
			slog.String("tx", tx.Hash().Hex()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("evm: %s: tx %s: %w: %w", method, tx.Hash().Hex(), domain.ErrTransferUnconfirmed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("evm: %s: tx %s: %w", method, tx.Hash().Hex(), ErrReverted)
	}
	return nil
}

// waitReceipt polls for the receipt of hash until it is mined or ctx ends.
func waitReceipt(ctx context.Context, r receiptFetcher, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := r.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toAmount(method string, v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: %s: unexpected type %T", method, v)
	}
	amount, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("evm: %s: value %s exceeds 256 bits", method, b)
	}
	return amount, nil
}

// Compile-time interface check.
var _ domain.AssetCustody = (*Custody)(nil)
