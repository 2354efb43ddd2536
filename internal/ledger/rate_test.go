package ledger_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/stakeledger/internal/ledger"
)

func tokens(n uint64, decimals uint8) *uint256.Int {
	unit := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return new(uint256.Int).Mul(uint256.NewInt(n), unit)
}

func TestEffectiveAPR_EmptyPoolGetsBase(t *testing.T) {
	m := ledger.NewRateModel(500, 10, 18)
	assert.Equal(t, uint64(500), m.EffectiveAPR(new(uint256.Int)))
	assert.Equal(t, uint64(500), m.EffectiveAPR(nil))
	assert.Equal(t, uint64(500), m.BaseAPR())
}

func TestEffectiveAPR_StepsPerThousandTokens(t *testing.T) {
	tests := []struct {
		name     string
		total    *uint256.Int
		decimals uint8
		want     uint64
	}{
		{"just under one step", tokens(999, 0), 0, 500},
		{"one step", tokens(1000, 0), 0, 490},
		{"two steps", tokens(2000, 0), 0, 480},
		{"eighteen decimals one step", tokens(1000, 18), 18, 490},
		{"eighteen decimals partial step", new(uint256.Int).Sub(tokens(1000, 18), uint256.NewInt(1)), 18, 500},
		{"exactly exhausted", tokens(50_000, 0), 0, 0},
		{"past exhaustion", tokens(60_000, 0), 0, 0},
		{"max pool", new(uint256.Int).SetAllOne(), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ledger.NewRateModel(500, 10, tt.decimals)
			assert.Equal(t, tt.want, m.EffectiveAPR(tt.total))
		})
	}
}

func TestEffectiveAPR_NoReductionIsFlat(t *testing.T) {
	m := ledger.NewRateModel(1200, 0, 0)
	assert.Equal(t, uint64(1200), m.EffectiveAPR(new(uint256.Int).SetAllOne()))
}

func TestEffectiveAPR_NonIncreasingInLoad(t *testing.T) {
	m := ledger.NewRateModel(750, 7, 0)
	prev := m.EffectiveAPR(new(uint256.Int))
	for total := uint64(0); total <= 200_000; total += 250 {
		apr := m.EffectiveAPR(uint256.NewInt(total))
		assert.LessOrEqual(t, apr, prev, "total=%d", total)
		prev = apr
	}
	assert.Equal(t, uint64(0), prev)
}
