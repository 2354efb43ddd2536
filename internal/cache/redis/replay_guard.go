package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// ReplayGuard implements domain.ReplayGuard with SET NX, so each signed
// request nonce is accepted once until its TTL runs out.
type ReplayGuard struct {
	c *Client
}

// NewReplayGuard creates a ReplayGuard backed by the given Client.
func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{c: c}
}

// Claim records key and reports whether it was unseen.
func (g *ReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.c.rdb.SetNX(ctx, g.c.key("nonce", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim nonce %s: %w", key, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.ReplayGuard = (*ReplayGuard)(nil)
