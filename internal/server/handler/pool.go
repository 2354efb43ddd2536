package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
)

// PoolService is the read side of the ledger used by PoolHandler.
type PoolService interface {
	Pool(ctx context.Context) (domain.PoolTotals, error)
	EffectiveAPRAt(total *uint256.Int) uint64
	Params() ledger.Params
}

// PoolHandler serves pool-wide figures.
type PoolHandler struct {
	pool   PoolService
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pool PoolService, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{pool: pool, logger: logger}
}

type paramsView struct {
	Asset                    string `json:"asset"`
	InitialAPR               uint64 `json:"initial_apr"`
	MinLockSeconds           int64  `json:"min_lock_seconds"`
	APRReductionPerThousand  uint64 `json:"apr_reduction_per_thousand"`
	EmergencyWithdrawPenalty uint64 `json:"emergency_withdraw_penalty"`
	TokenDecimals            uint8  `json:"token_decimals"`
	SinglePositionPerOwner   bool   `json:"single_position_per_owner"`
	ForfeitRewardOnEmergency bool   `json:"forfeit_reward_on_emergency"`
}

type poolResponse struct {
	TotalStaked     string     `json:"total_staked"`
	ActivePositions int64      `json:"active_positions"`
	CurrentAPR      uint64     `json:"current_apr"`
	Params          paramsView `json:"params"`
}

// GetPool returns totals, the APR a deposit would get now, and parameters.
// GET /api/pool
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.pool.Pool(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: load pool failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load pool")
		return
	}
	p := h.pool.Params()
	writeJSON(w, http.StatusOK, poolResponse{
		TotalStaked:     pool.TotalStaked.Dec(),
		ActivePositions: pool.ActivePositions,
		CurrentAPR:      h.pool.EffectiveAPRAt(pool.TotalStaked),
		Params: paramsView{
			Asset:                    p.Asset,
			InitialAPR:               p.InitialAPR,
			MinLockSeconds:           int64(p.MinLockDuration.Seconds()),
			APRReductionPerThousand:  p.APRReductionPerThousand,
			EmergencyWithdrawPenalty: p.EmergencyWithdrawPenalty,
			TokenDecimals:            p.TokenDecimals,
			SinglePositionPerOwner:   p.SinglePositionPerOwner,
			ForfeitRewardOnEmergency: p.ForfeitRewardOnEmergency,
		},
	})
}

// GetAPR returns the APR for the current pool, or for ?total= base units.
// GET /api/apr
func (h *PoolHandler) GetAPR(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("total"); raw != "" {
		total, err := parseAmount(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"total_staked": total.Dec(), "apr": h.pool.EffectiveAPRAt(total)})
		return
	}

	pool, err := h.pool.Pool(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: load pool failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load pool")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_staked": pool.TotalStaked.Dec(), "apr": h.pool.EffectiveAPRAt(pool.TotalStaked)})
}
