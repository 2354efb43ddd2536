// Package memory implements the domain store interfaces in process memory.
// It is the default backing for single-node deployments and for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// StakeStore implements domain.StakeStore with a mutex-guarded map.
type StakeStore struct {
	mu        sync.RWMutex
	positions map[uint64]domain.StakePosition
	nextID    uint64
	total     *uint256.Int
	active    int64
}

// NewStakeStore returns an empty store. Stake ids start at 1.
func NewStakeStore() *StakeStore {
	return &StakeStore{
		positions: make(map[uint64]domain.StakePosition),
		nextID:    1,
		total:     new(uint256.Int),
	}
}

// Open stores pos under the next id and adds its principal to the pool.
func (s *StakeStore) Open(_ context.Context, pos domain.StakePosition) (domain.StakePosition, error) {
	if pos.Principal == nil || pos.Principal.IsZero() {
		return domain.StakePosition{}, fmt.Errorf("memory: open position: %w", domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total, overflow := new(uint256.Int).AddOverflow(s.total, pos.Principal)
	if overflow {
		return domain.StakePosition{}, fmt.Errorf("memory: open position: pool overflow: %w", domain.ErrInvalidAmount)
	}

	stored := pos.Clone()
	stored.ID = s.nextID
	stored.Withdrawn = false
	s.positions[stored.ID] = stored
	s.nextID++
	s.total = total
	s.active++

	return stored.Clone(), nil
}

// Settle marks the position withdrawn and removes its principal from the pool.
func (s *StakeStore) Settle(_ context.Context, st domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[st.PositionID]
	if !ok {
		return fmt.Errorf("memory: settle %d: %w", st.PositionID, domain.ErrNotFound)
	}
	if pos.Withdrawn {
		return fmt.Errorf("memory: settle %d: %w", st.PositionID, domain.ErrAlreadyWithdrawn)
	}
	if pos.Principal.Gt(s.total) {
		return fmt.Errorf("memory: settle %d: principal exceeds pool: %w", st.PositionID, domain.ErrInvariantViolated)
	}

	st.Apply(&pos)
	s.positions[pos.ID] = pos
	s.total = new(uint256.Int).Sub(s.total, pos.Principal)
	s.active--
	return nil
}

// Revert restores a settled position to active.
func (s *StakeStore) Revert(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("memory: revert %d: %w", id, domain.ErrNotFound)
	}
	if !pos.Withdrawn {
		return nil
	}

	total, overflow := new(uint256.Int).AddOverflow(s.total, pos.Principal)
	if overflow {
		return fmt.Errorf("memory: revert %d: pool overflow: %w", id, domain.ErrInvalidAmount)
	}

	pos.Withdrawn = false
	pos.Exit = domain.ExitNone
	pos.SettledAt = nil
	pos.Reward, pos.Penalty, pos.Payout = nil, nil, nil
	s.positions[id] = pos
	s.total = total
	s.active++
	return nil
}

// Get returns the position with the given id.
func (s *StakeStore) Get(_ context.Context, id uint64) (domain.StakePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[id]
	if !ok {
		return domain.StakePosition{}, domain.ErrNotFound
	}
	return pos.Clone(), nil
}

// ListByOwner returns owner's positions ordered newest first.
func (s *StakeStore) ListByOwner(_ context.Context, owner common.Address, opts domain.ListOpts) ([]domain.StakePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.StakePosition
	for _, pos := range s.positions {
		if pos.Owner != owner {
			continue
		}
		if opts.Since != nil && pos.StartTime.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && pos.StartTime.After(*opts.Until) {
			continue
		}
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	return paginate(out, opts), nil
}

// ListActive returns every active position ordered by id.
func (s *StakeStore) ListActive(_ context.Context) ([]domain.StakePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.StakePosition
	for _, pos := range s.positions {
		if pos.Active() {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListSettledBefore returns positions settled strictly before the cutoff.
func (s *StakeStore) ListSettledBefore(_ context.Context, before time.Time) ([]domain.StakePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.StakePosition
	for _, pos := range s.positions {
		if pos.Withdrawn && pos.SettledAt != nil && pos.SettledAt.Before(before) {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountActiveByOwner counts owner's active positions.
func (s *StakeStore) CountActiveByOwner(_ context.Context, owner common.Address) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, pos := range s.positions {
		if pos.Owner == owner && pos.Active() {
			n++
		}
	}
	return n, nil
}

// Pool returns a copy of the pool totals.
func (s *StakeStore) Pool(_ context.Context) (domain.PoolTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return domain.PoolTotals{
		TotalStaked:     new(uint256.Int).Set(s.total),
		ActivePositions: s.active,
	}, nil
}

// ActiveSnapshot returns the pool totals and active positions under one lock.
func (s *StakeStore) ActiveSnapshot(_ context.Context) (domain.PoolTotals, []domain.StakePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []domain.StakePosition
	for _, pos := range s.positions {
		if pos.Active() {
			active = append(active, pos.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	pool := domain.PoolTotals{
		TotalStaked:     new(uint256.Int).Set(s.total),
		ActivePositions: s.active,
	}
	return pool, active, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface check.
var _ domain.StakeStore = (*StakeStore)(nil)
