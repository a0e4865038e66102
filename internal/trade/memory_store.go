package trade

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for demo/development mode.
// Compare-and-set semantics are enforced under the store mutex.
type MemoryStore struct {
	trades map[string]*Trade
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*Trade),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[t.ID]; ok {
		return ErrTradeExists
	}
	m.trades[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, t *Trade, expect Expect) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if !expect.Matches(stored) {
		return ErrConflict
	}
	m.trades[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Trade, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.BuyerID != partyID && t.SellerID != partyID {
			continue
		}
		if o.cursor != nil {
			after := t.CreatedAt.After(o.cursor.CreatedAt) ||
				(t.CreatedAt.Equal(o.cursor.CreatedAt) && t.ID >= o.cursor.ID)
			if after {
				continue
			}
		}
		result = append(result, t.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Status == status {
			result = append(result, t.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStaleDrafts(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Status == StatusDraft && t.Escrow.HoldID != "" && t.CreatedAt.Before(before) {
			result = append(result, t.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
