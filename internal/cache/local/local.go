// Package local provides in-process implementations of the coordination
// interfaces for single-node deployments that run without Redis. They
// coordinate goroutines of one process only.
package local

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// LockManager is a TTL-bounded in-process lock table.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lockEntry
	seq   uint64
	clock func() time.Time
}

type lockEntry struct {
	owner   uint64
	expires time.Time
}

// NewLockManager returns an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lockEntry), clock: time.Now}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.clock()
	if e, ok := lm.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, domain.ErrLockHeld
	}
	lm.seq++
	owner := lm.seq
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	lm.held[key] = lockEntry{owner: owner, expires: expires}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if e, ok := lm.held[key]; ok && e.owner == owner {
				delete(lm.held, key)
			}
		})
	}, nil
}

// SignalBus fans published payloads out to in-process subscribers and keeps
// bounded in-memory streams.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[int]subscription
	nextSub int
	streams map[string]*stream
	maxLen  int
}

type subscription struct {
	pattern string
	ch      chan []byte
}

type stream struct {
	seq     uint64
	entries []domain.StreamMessage
}

// NewSignalBus returns a bus whose streams keep at most maxLen entries.
func NewSignalBus(maxLen int) *SignalBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &SignalBus{
		subs:    make(map[int]subscription),
		streams: make(map[string]*stream),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to every matching subscriber. Slow subscribers
// whose buffer is full miss the message.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok && s.pattern != channel {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for channel, which may be a glob. The
// returned channel is closed when ctx ends.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscription{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends payload to the named stream.
func (b *SignalBus) StreamAppend(_ context.Context, name string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[name]
	if !ok {
		s = &stream{}
		b.streams[name] = s
	}
	s.seq++
	s.entries = append(s.entries, domain.StreamMessage{
		ID:      strconv.FormatUint(s.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(s.entries) > b.maxLen {
		s.entries = append([]domain.StreamMessage(nil), s.entries[len(s.entries)-b.maxLen:]...)
	}
	return nil
}

// StreamRead returns up to count entries with ids after lastID.
func (b *SignalBus) StreamRead(_ context.Context, name string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseStreamID(lastID)
	if err != nil {
		return nil, fmt.Errorf("local: stream read %s: %w", name, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.streams[name]
	if !ok {
		return nil, nil
	}
	var out []domain.StreamMessage
	for _, e := range s.entries {
		id, _ := parseStreamID(e.ID)
		if id <= after {
			continue
		}
		out = append(out, domain.StreamMessage{ID: e.ID, Payload: append([]byte(nil), e.Payload...)})
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func parseStreamID(id string) (uint64, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	seq, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q", id)
	}
	return n, nil
}

// RateLimiter is an in-process sliding-window limiter.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	clock  func() time.Time
}

// NewRateLimiter returns a limiter whose Wait admits limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{hits: make(map[string][]time.Time), limit: limit, window: window, clock: time.Now}
}

// Allow reports whether one more request for key fits in the window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	cutoff := now.Add(-window)
	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.hits[key] = kept
		return false, nil
	}
	rl.hits[key] = append(kept, now)
	return true, nil
}

// Wait blocks until key is admitted under the default limit.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, err := rl.Allow(ctx, key, rl.limit, rl.window)
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("local: rate limit wait %s: %w", key, ctx.Err())
		case <-time.After(rl.window / time.Duration(rl.limit)):
		}
	}
}

// ReplayGuard remembers claimed keys until they expire.
type ReplayGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

// NewReplayGuard returns an empty guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]time.Time), clock: time.Now}
}

// Claim records key for ttl and reports whether it was unseen.
func (g *ReplayGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

// Compile-time interface checks.
var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.ReplayGuard = (*ReplayGuard)(nil)
)
