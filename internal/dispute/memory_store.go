package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coursepay/coursepay/internal/ledger"
)

// MemoryStore is an in-memory report store for demo/development mode and
// tests.
type MemoryStore struct {
	reports map[string]*Report
	byPair  map[string]string
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]*Report),
		byPair:  make(map[string]string),
	}
}

func pairKey(buyerID, courseID string) string {
	return buyerID + ":" + courseID
}

func (m *MemoryStore) Create(ctx context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(r.BuyerID, r.CourseID)
	if _, exists := m.byPair[key]; exists {
		return ErrDuplicateReport
	}
	cp := *r
	m.reports[r.ID] = &cp
	m.byPair[key] = r.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByPair(ctx context.Context, buyerID, courseID string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPair[pairKey(buyerID, courseID)]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *m.reports[id]
	return &cp, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, to Status, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[id]
	if !ok {
		return ErrReportNotFound
	}
	if r.Status != StatusPending {
		return ledger.ErrStorageConflict
	}
	r.Status = to
	r.Resolved = true
	r.ResolvedAt = &resolvedAt
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Report
	for _, r := range m.reports {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
