package ledger

import "github.com/holiman/uint256"

// RateModel prices new deposits from the current pool load. The offered APR
// drops by a fixed step for every 1,000 whole tokens already staked and never
// goes below zero.
type RateModel struct {
	baseAPR   uint64
	reduction uint64
	step      *uint256.Int // 1,000 whole tokens in smallest units
}

// NewRateModel builds a RateModel for a token with the given decimals.
func NewRateModel(baseAPR, reductionPerThousand uint64, decimals uint8) RateModel {
	unit := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return RateModel{
		baseAPR:   baseAPR,
		reduction: reductionPerThousand,
		step:      new(uint256.Int).Mul(unit, uint256.NewInt(1000)),
	}
}

// BaseAPR returns the APR offered to an empty pool.
func (m RateModel) BaseAPR() uint64 {
	return m.baseAPR
}

// EffectiveAPR returns the APR, in basis points, a depositor would lock in
// when the pool holds totalStakedBefore.
func (m RateModel) EffectiveAPR(totalStakedBefore *uint256.Int) uint64 {
	if m.reduction == 0 || totalStakedBefore == nil || totalStakedBefore.IsZero() {
		return m.baseAPR
	}

	steps := new(uint256.Int).Div(totalStakedBefore, m.step)
	if !steps.IsUint64() {
		return 0
	}
	n := steps.Uint64()
	// n*reduction > baseAPR exactly when n > floor(baseAPR/reduction).
	if n > m.baseAPR/m.reduction {
		return 0
	}
	return m.baseAPR - n*m.reduction
}
