package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
)

func validParams() ledger.Params {
	return ledger.Params{
		Asset:                    "STK",
		InitialAPR:               500,
		MinLockDuration:          7 * 24 * time.Hour,
		APRReductionPerThousand:  10,
		EmergencyWithdrawPenalty: 10,
		TokenDecimals:            0,
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ledger.Params)
		msg    string
	}{
		{"empty asset", func(p *ledger.Params) { p.Asset = " " }, "asset"},
		{"zero apr", func(p *ledger.Params) { p.InitialAPR = 0; p.APRReductionPerThousand = 0 }, "initial_apr must be > 0"},
		{"apr too high", func(p *ledger.Params) { p.InitialAPR = ledger.MaxAPR + 1 }, "initial_apr must be <="},
		{"reduction above base", func(p *ledger.Params) { p.APRReductionPerThousand = 501 }, "apr_reduction_per_thousand"},
		{"penalty above 100", func(p *ledger.Params) { p.EmergencyWithdrawPenalty = 101 }, "emergency_withdraw_penalty"},
		{"negative lock", func(p *ledger.Params) { p.MinLockDuration = -time.Second }, "must not be negative"},
		{"lock too long", func(p *ledger.Params) { p.MinLockDuration = ledger.MaxLockDuration + time.Second }, "min_lock_duration must be <="},
		{"fractional lock", func(p *ledger.Params) { p.MinLockDuration = 1500 * time.Millisecond }, "whole number of seconds"},
		{"too many decimals", func(p *ledger.Params) { p.TokenDecimals = ledger.MaxTokenDecimals + 1 }, "token_decimals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			assert.ErrorIs(t, err, domain.ErrInvalidParams)
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestParamsValidate_Accepts(t *testing.T) {
	p := validParams()
	assert.NoError(t, p.Validate())

	p.EmergencyWithdrawPenalty = 100
	p.MinLockDuration = 0
	p.APRReductionPerThousand = p.InitialAPR
	assert.NoError(t, p.Validate())
}

func TestParamsValidate_ReportsEveryProblem(t *testing.T) {
	p := validParams()
	p.Asset = ""
	p.EmergencyWithdrawPenalty = 150
	p.TokenDecimals = 77

	err := p.Validate()
	assert.ErrorContains(t, err, "asset")
	assert.ErrorContains(t, err, "emergency_withdraw_penalty")
	assert.ErrorContains(t, err, "token_decimals")
}
