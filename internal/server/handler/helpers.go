package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/crypto"
	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 * 1024

// writeJSON marshals v and writes it with status. Marshal failures become a
// plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody strictly decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps a domain error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid amount"
	case errors.Is(err, domain.ErrInvalidParams):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient balance or allowance"
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, crypto.ErrBadSignature):
		return http.StatusForbidden, "caller is not the position owner"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "position not found"
	case errors.Is(err, domain.ErrAlreadyWithdrawn):
		return http.StatusConflict, "position already withdrawn"
	case errors.Is(err, domain.ErrPositionExists):
		return http.StatusConflict, "owner already has an active position"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "request already processed"
	case errors.Is(err, domain.ErrLockNotExpired):
		return http.StatusLocked, "lock duration not expired"
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusServiceUnavailable, "ledger busy, retry"
	case errors.Is(err, domain.ErrInsufficientReserve), errors.Is(err, domain.ErrTransferFailed):
		return http.StatusBadGateway, "custody transfer failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// parseListOpts reads limit (default 50, max 500) and offset.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	offset := 0
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

// parseAddress accepts a 0x-prefixed hex address and rejects the zero address.
func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}

// parseAmount accepts a base-unit decimal integer string.
func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// parseID reads the {id} path value.
func parseID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid position id %q", r.PathValue("id"))
	}
	return id, nil
}
