package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeledger/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLedgerParams(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.SinglePositionPerOwner = true

	p := LedgerParams(cfg.Ledger)
	assert.Equal(t, "STK", p.Asset)
	assert.Equal(t, uint64(500), p.InitialAPR)
	assert.Equal(t, 7*24*time.Hour, p.MinLockDuration)
	assert.Equal(t, uint8(18), p.TokenDecimals)
	assert.True(t, p.SinglePositionPerOwner)
	require.NoError(t, p.Validate())
}

func TestWire_Defaults(t *testing.T) {
	cfg := config.Defaults()
	deps, cleanup, err := Wire(context.Background(), &cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, deps.Token)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Checks)

	vault := deps.Custody.Vault()
	assert.Equal(t, cfg.Custody.Token.RewardReserve, deps.Token.BalanceOf(vault).Dec())
	assert.NoError(t, deps.Ledger.CheckConservation(context.Background()))
}

func TestWire_InvalidParams(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.InitialAPR = 0
	_, _, err := Wire(context.Background(), &cfg, quietLogger())
	assert.Error(t, err)
}

func TestServeMode_StopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Enabled = false
	cfg.Ledger.AuditInterval.Duration = 10 * time.Millisecond

	a := New(&cfg, quietLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, a.Run(ctx))
}

func TestRun_UnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	a := New(&cfg, quietLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}

type fakeArchiver struct {
	mu       sync.Mutex
	settled  []time.Time
	audit    []time.Time
	settledN int64
	err      error
}

func (f *fakeArchiver) ArchiveSettled(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, before)
	return f.settledN, f.err
}

func (f *fakeArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, before)
	return 0, nil
}

func (f *fakeArchiver) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled), len(f.audit)
}

func TestArchiveMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Archive.RetentionDays = 10
	a := New(&cfg, quietLogger())

	arch := &fakeArchiver{settledN: 3}
	require.NoError(t, a.ArchiveMode(context.Background(), &Dependencies{Archiver: arch}))

	settled, audit := arch.calls()
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, audit)
	want := time.Now().UTC().AddDate(0, 0, -10)
	assert.WithinDuration(t, want, arch.settled[0], time.Minute)

	cfg.Archive.IncludeAudit = false
	arch = &fakeArchiver{err: errors.New("bucket gone")}
	err := a.ArchiveMode(context.Background(), &Dependencies{Archiver: arch})
	assert.ErrorContains(t, err, "bucket gone")
	_, audit = arch.calls()
	assert.Zero(t, audit)

	assert.Error(t, a.ArchiveMode(context.Background(), &Dependencies{}))
}

func TestArchiveLoop_RetriesUntilCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Archive.Interval.Duration = 5 * time.Millisecond
	a := New(&cfg, quietLogger())

	arch := &fakeArchiver{err: errors.New("transient")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.archiveLoop(ctx, &Dependencies{Archiver: arch}) }()

	require.Eventually(t, func() bool {
		n, _ := arch.calls()
		return n >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
