// Package token implements a plain fixed-supply fungible token held in
// process memory, and a custody adapter that lets the staking ledger move it.
// The whole supply is minted to a treasury at construction; no later mint or
// burn exists, so the sum of all balances always equals TotalSupply.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
)

// Token is an ERC20-style balance book with a fixed supply.
type Token struct {
	name     string
	symbol   string
	decimals uint8
	supply   *uint256.Int

	mu         sync.RWMutex
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

// New mints supply to treasury and returns the token.
func New(name, symbol string, decimals uint8, supply *uint256.Int, treasury common.Address) (*Token, error) {
	if treasury == (common.Address{}) {
		return nil, fmt.Errorf("token: new %s: treasury: %w", symbol, ErrZeroAddress)
	}
	if supply == nil || supply.IsZero() {
		return nil, fmt.Errorf("token: new %s: supply must be > 0", symbol)
	}
	t := &Token{
		name:       name,
		symbol:     symbol,
		decimals:   decimals,
		supply:     new(uint256.Int).Set(supply),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
	t.balances[treasury] = new(uint256.Int).Set(supply)
	return t, nil
}

func (t *Token) Name() string { return t.name }

func (t *Token) Symbol() string { return t.symbol }

func (t *Token) Decimals() uint8 { return t.decimals }

// TotalSupply returns the fixed supply.
func (t *Token) TotalSupply() *uint256.Int {
	return new(uint256.Int).Set(t.supply)
}

// BalanceOf returns the balance of addr.
func (t *Token) BalanceOf(addr common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceLocked(addr)
}

// Allowance returns how much spender may move on behalf of owner.
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowanceLocked(owner, spender)
}

// Transfer moves amount from one account to another.
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

// Approve sets the amount spender may move on behalf of owner.
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return fmt.Errorf("token: approve: %w", ErrZeroAddress)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.setAllowanceLocked(owner, spender, new(uint256.Int).Set(amount))
	return nil
}

// TransferFrom moves amount from owner to to, spending spender's allowance.
// Balance and allowance are checked before either is touched.
func (t *Token) TransferFrom(spender, owner, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowanceLocked(owner, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("token: transfer from %s: allowance %s < %s: %w",
			owner.Hex(), allowed.Dec(), amount.Dec(), ErrInsufficientAllowance)
	}
	if err := t.moveLocked(owner, to, amount); err != nil {
		return err
	}
	t.setAllowanceLocked(owner, spender, new(uint256.Int).Sub(allowed, amount))
	return nil
}

func (t *Token) setAllowanceLocked(owner, spender common.Address, amount *uint256.Int) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = m
	}
	m[spender] = amount
}

func (t *Token) moveLocked(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("token: transfer to: %w", ErrZeroAddress)
	}
	bal := t.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("token: transfer from %s: balance %s < %s: %w",
			from.Hex(), bal.Dec(), amount.Dec(), ErrInsufficientBalance)
	}
	if from == to {
		return nil
	}
	t.balances[from] = new(uint256.Int).Sub(bal, amount)
	// The receiver cannot overflow: every balance is bounded by the fixed supply.
	t.balances[to] = new(uint256.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *Token) balanceLocked(addr common.Address) *uint256.Int {
	if b, ok := t.balances[addr]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (t *Token) allowanceLocked(owner, spender common.Address) *uint256.Int {
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(uint256.Int).Set(a)
		}
	}
	return new(uint256.Int)
}
