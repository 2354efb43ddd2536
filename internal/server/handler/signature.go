package handler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/crypto"
	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// signedFields are the optional authentication fields of a mutating request.
type signedFields struct {
	Nonce     uint64 `json:"nonce,omitempty"`
	Deadline  int64  `json:"deadline,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// SignatureGuard authenticates requests with EIP-712 signatures from the
// acting owner. Each (owner, nonce) pair is accepted once.
type SignatureGuard struct {
	domain crypto.Domain
	replay domain.ReplayGuard
	maxAge time.Duration
	now    func() time.Time
}

// NewSignatureGuard creates a guard. Deadlines further than maxAge in the
// future are rejected so replay keys can expire.
func NewSignatureGuard(d crypto.Domain, replay domain.ReplayGuard, maxAge time.Duration) *SignatureGuard {
	return &SignatureGuard{domain: d, replay: replay, maxAge: maxAge, now: time.Now}
}

// Domain returns the signing domain clients must use.
func (g *SignatureGuard) Domain() crypto.Domain {
	return g.domain
}

// check verifies a and claims its nonce. A nil guard accepts everything.
func (g *SignatureGuard) check(ctx context.Context, a crypto.Action, f signedFields) error {
	if g == nil {
		return nil
	}
	if f.Signature == "" {
		return fmt.Errorf("missing signature: %w", domain.ErrUnauthorized)
	}
	a.Nonce = f.Nonce
	a.Deadline = f.Deadline

	now := g.now()
	deadline := time.Unix(f.Deadline, 0)
	if deadline.Before(now) {
		return fmt.Errorf("signature expired at %s: %w", deadline.UTC().Format(time.RFC3339), domain.ErrUnauthorized)
	}
	if deadline.Sub(now) > g.maxAge {
		return fmt.Errorf("deadline more than %s ahead: %w", g.maxAge, domain.ErrUnauthorized)
	}
	if err := g.domain.Verify(a, f.Signature); err != nil {
		return err
	}

	key := a.Owner.Hex() + ":" + strconv.FormatUint(f.Nonce, 10)
	fresh, err := g.replay.Claim(ctx, key, g.maxAge+time.Minute)
	if err != nil {
		return fmt.Errorf("claim nonce: %w", err)
	}
	if !fresh {
		return fmt.Errorf("nonce %d already used: %w", f.Nonce, domain.ErrAlreadyExists)
	}
	return nil
}
