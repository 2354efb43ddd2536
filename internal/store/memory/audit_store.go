package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// AuditStore implements domain.AuditStore as an append-only slice.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditStore returns an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]any, len(detail))
	for k, v := range detail {
		copied[k] = v
	}
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    copied,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// List returns entries newest first, filtered and paginated by opts.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range s.entries {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	return paginate(out, opts), nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
