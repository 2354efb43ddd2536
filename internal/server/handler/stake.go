package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/crypto"
	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// StakeService is the slice of the staking service used by StakeHandler.
type StakeService interface {
	Stake(ctx context.Context, owner common.Address, amount *uint256.Int) (domain.StakePosition, error)
	Unstake(ctx context.Context, owner common.Address, id uint64) (domain.Settlement, error)
	EmergencyWithdraw(ctx context.Context, owner common.Address, id uint64) (domain.Settlement, error)
	Position(ctx context.Context, id uint64) (domain.StakePosition, error)
	PendingReward(ctx context.Context, id uint64) (*uint256.Int, error)
	PositionsByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.StakePosition, error)
}

// StakeHandler serves the position endpoints.
type StakeHandler struct {
	stakes  StakeService
	guard   *SignatureGuard
	minLock time.Duration
	logger  *slog.Logger
}

// NewStakeHandler creates a StakeHandler. guard may be nil to accept
// unsigned requests.
func NewStakeHandler(stakes StakeService, guard *SignatureGuard, minLock time.Duration, logger *slog.Logger) *StakeHandler {
	return &StakeHandler{stakes: stakes, guard: guard, minLock: minLock, logger: logger}
}

// transferUnconfirmed marks a committed operation whose custody transfer
// has not been confirmed yet.
const transferUnconfirmed = "unconfirmed"

type stakeRequest struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
	signedFields
}

type exitRequest struct {
	Owner string `json:"owner"`
	signedFields
}

type positionView struct {
	ID            uint64     `json:"id"`
	Owner         string     `json:"owner"`
	Principal     string     `json:"principal"`
	APRAtOpen     uint64     `json:"apr_at_open"`
	StartTime     time.Time  `json:"start_time"`
	UnlocksAt     time.Time  `json:"unlocks_at"`
	Withdrawn     bool       `json:"withdrawn"`
	PendingReward string     `json:"pending_reward,omitempty"`
	Exit          string     `json:"exit,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	Reward        string     `json:"reward,omitempty"`
	Penalty       string     `json:"penalty,omitempty"`
	Payout        string     `json:"payout,omitempty"`
	Transfer      string     `json:"transfer,omitempty"`
}

type settlementView struct {
	PositionID uint64    `json:"position_id"`
	Owner      string    `json:"owner"`
	Kind       string    `json:"kind"`
	Principal  string    `json:"principal"`
	Reward     string    `json:"reward"`
	Penalty    string    `json:"penalty"`
	Payout     string    `json:"payout"`
	SettledAt  time.Time `json:"settled_at"`
	Transfer   string    `json:"transfer,omitempty"`
}

func (h *StakeHandler) view(pos domain.StakePosition) positionView {
	v := positionView{
		ID:        pos.ID,
		Owner:     pos.Owner.Hex(),
		Principal: pos.Principal.Dec(),
		APRAtOpen: pos.APRAtOpen,
		StartTime: pos.StartTime,
		UnlocksAt: pos.StartTime.Add(h.minLock),
		Withdrawn: pos.Withdrawn,
		Exit:      string(pos.Exit),
		SettledAt: pos.SettledAt,
	}
	if pos.Withdrawn {
		v.Reward = decOrEmpty(pos.Reward)
		v.Penalty = decOrEmpty(pos.Penalty)
		v.Payout = decOrEmpty(pos.Payout)
	}
	return v
}

func settlement(s domain.Settlement) settlementView {
	return settlementView{
		PositionID: s.PositionID,
		Owner:      s.Owner.Hex(),
		Kind:       string(s.Kind),
		Principal:  s.Principal.Dec(),
		Reward:     s.Reward.Dec(),
		Penalty:    s.Penalty.Dec(),
		Payout:     s.Payout.Dec(),
		SettledAt:  s.SettledAt,
	}
}

func decOrEmpty(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

// CreateStake opens a position.
// POST /api/stakes
func (h *StakeHandler) CreateStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
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

	action := crypto.Action{Owner: owner, Kind: "stake", Amount: amount}
	if err := h.guard.check(r.Context(), action, req.signedFields); err != nil {
		h.fail(w, r, "stake", err)
		return
	}

	pos, err := h.stakes.Stake(r.Context(), owner, amount)
	if domain.IsUnconfirmed(err) {
		v := h.view(pos)
		v.Transfer = transferUnconfirmed
		writeJSON(w, http.StatusAccepted, v)
		return
	}
	if err != nil {
		h.fail(w, r, "stake", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(pos))
}

// GetStake returns a position with its pending reward.
// GET /api/stakes/{id}
func (h *StakeHandler) GetStake(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := h.stakes.Position(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get stake", err)
		return
	}
	v := h.view(pos)
	if pos.Active() {
		reward, err := h.stakes.PendingReward(r.Context(), id)
		if err != nil {
			h.fail(w, r, "pending reward", err)
			return
		}
		v.PendingReward = reward.Dec()
	}
	writeJSON(w, http.StatusOK, v)
}

// ListStakes returns an owner's positions, newest first.
// GET /api/stakes?owner=0x...&limit=&offset=
func (h *StakeHandler) ListStakes(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner: "+err.Error())
		return
	}
	positions, err := h.stakes.PositionsByOwner(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.fail(w, r, "list stakes", err)
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, h.view(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// Unstake settles a position after its lock.
// POST /api/stakes/{id}/unstake
func (h *StakeHandler) Unstake(w http.ResponseWriter, r *http.Request) {
	h.exit(w, r, "unstake", h.stakes.Unstake)
}

// EmergencyWithdraw settles a position early with the penalty.
// POST /api/stakes/{id}/emergency
func (h *StakeHandler) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	h.exit(w, r, "emergency", h.stakes.EmergencyWithdraw)
}

func (h *StakeHandler) exit(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	settle func(context.Context, common.Address, uint64) (domain.Settlement, error),
) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req exitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner: "+err.Error())
		return
	}

	action := crypto.Action{Owner: owner, Kind: kind, PositionID: id}
	if err := h.guard.check(r.Context(), action, req.signedFields); err != nil {
		h.fail(w, r, kind, err)
		return
	}

	s, err := settle(r.Context(), owner, id)
	if domain.IsUnconfirmed(err) {
		v := settlement(s)
		v.Transfer = transferUnconfirmed
		writeJSON(w, http.StatusAccepted, v)
		return
	}
	if err != nil {
		h.fail(w, r, kind, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement(s))
}

// fail maps err to a response and logs server-side failures.
func (h *StakeHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
	} else {
		h.logger.DebugContext(r.Context(), "handler: "+op+" rejected", slog.String("error", err.Error()))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	body := map[string]string{"error": msg}
	if status < http.StatusInternalServerError {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}
