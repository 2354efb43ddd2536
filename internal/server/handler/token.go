package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/crypto"
	"github.com/alanyoungcy/stakeledger/internal/custody/token"
)

// TokenBook is the in-process token used by the token custody driver.
type TokenBook interface {
	Name() string
	Symbol() string
	Decimals() uint8
	TotalSupply() *uint256.Int
	BalanceOf(addr common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int) error
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// TokenHandler exposes balances and approvals of the in-process token so
// holders can fund and authorise their stakes.
type TokenHandler struct {
	book     TokenBook
	vault    common.Address
	treasury common.Address
	guard    *SignatureGuard
	logger   *slog.Logger
}

// NewTokenHandler creates a TokenHandler. Approvals always name the vault
// as spender; grants always draw on the treasury.
func NewTokenHandler(book TokenBook, vault, treasury common.Address, guard *SignatureGuard, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{book: book, vault: vault, treasury: treasury, guard: guard, logger: logger}
}

// GetToken describes the token and the vault's holdings.
// GET /api/token
func (h *TokenHandler) GetToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          h.book.Name(),
		"symbol":        h.book.Symbol(),
		"decimals":      h.book.Decimals(),
		"total_supply":  h.book.TotalSupply().Dec(),
		"vault":         h.vault.Hex(),
		"vault_balance": h.book.BalanceOf(h.vault).Dec(),
	})
}

// GetBalance returns an address's balance and its allowance to the vault.
// GET /api/token/balances/{address}
func (h *TokenHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":   addr.Hex(),
		"balance":   h.book.BalanceOf(addr).Dec(),
		"allowance": h.book.Allowance(addr, h.vault).Dec(),
	})
}

type approveRequest struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
	signedFields
}

// Approve sets owner's allowance to the vault.
// POST /api/token/approve
func (h *TokenHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner: "+err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.guard.check(r.Context(), crypto.Action{Owner: owner, Kind: "approve", Amount: amount}, req.signedFields); err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}

	if err := h.book.Approve(owner, h.vault, amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":     owner.Hex(),
		"spender":   h.vault.Hex(),
		"allowance": amount.Dec(),
	})
}

type grantRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Grant moves tokens from the treasury to an address. It is an operator
// endpoint and is only routed when API-key auth is on.
// POST /api/token/grant
func (h *TokenHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil || amount.IsZero() {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	if err := h.book.Transfer(h.treasury, to, amount); err != nil {
		if errors.Is(err, token.ErrInsufficientBalance) {
			writeError(w, http.StatusPaymentRequired, "treasury balance too low")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: grant failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "grant failed")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: treasury grant",
		slog.String("to", to.Hex()),
		slog.String("amount", amount.Dec()),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"to":      to.Hex(),
		"amount":  amount.Dec(),
		"balance": h.book.BalanceOf(to).Dec(),
	})
}
