package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lm := NewLockManager()
	lm.clock = func() time.Time { return now }

	unlock, err := lm.Acquire(ctx, "ledger:STK", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "ledger:STK", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	_, err = lm.Acquire(ctx, "other", time.Minute)
	assert.NoError(t, err)

	// An expired lock can be taken over, and the stale unlock must not
	// release the new holder.
	now = now.Add(2 * time.Minute)
	unlock2, err := lm.Acquire(ctx, "ledger:STK", time.Minute)
	require.NoError(t, err)
	unlock()
	_, err = lm.Acquire(ctx, "ledger:STK", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock2()
	unlock2()
	_, err = lm.Acquire(ctx, "ledger:STK", time.Minute)
	assert.NoError(t, err)
}

func TestSignalBus_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewSignalBus(10)

	exact, err := bus.Subscribe(ctx, domain.ChannelStakes)
	require.NoError(t, err)
	glob, err := bus.Subscribe(ctx, "stak*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ChannelStakes, []byte("hello")))
	require.NoError(t, bus.Publish(ctx, "unrelated", []byte("nope")))

	assert.Equal(t, "hello", string(<-exact))
	assert.Equal(t, "hello", string(<-glob))
	select {
	case msg := <-exact:
		t.Fatalf("unexpected message %q", msg)
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-exact
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSignalBus_Streams(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus(3)

	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamLedger, []byte(p)))
	}

	msgs, err := bus.StreamRead(ctx, domain.StreamLedger, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "b", string(msgs[0].Payload))
	assert.Equal(t, "4-0", msgs[2].ID)

	msgs, err = bus.StreamRead(ctx, domain.StreamLedger, "2-0", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))

	msgs, err = bus.StreamRead(ctx, "missing", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = bus.StreamRead(ctx, domain.StreamLedger, "x-1", 1)
	assert.Error(t, err)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Second)
	rl.clock = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "k", 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "k", 2, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, err = rl.Allow(ctx, "k", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplayGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewReplayGuard()
	g.clock = func() time.Time { return now }

	ok, err := g.Claim(ctx, "alice:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, "alice:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, err = g.Claim(ctx, "alice:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
