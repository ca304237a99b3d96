package callback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/doseal/agentwallet/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Transaction
	byRef map[string]string // reference|leg -> id
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Transaction),
		byRef: make(map[string]string),
	}
}

func refKey(reference string, leg Leg) string {
	return reference + "|" + string(leg)
}

func copyTransaction(t *Transaction) *Transaction {
	cp := *t
	if t.Payout != nil {
		p := *t.Payout
		cp.Payout = &p
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(t.InternalReference, t.Leg)
	if _, ok := m.byRef[key]; ok {
		return ErrDuplicateTransaction
	}
	m.byID[t.ID] = copyTransaction(t)
	m.byRef[key] = t.ID
	return nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string, leg Leg) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[refKey(reference, leg)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(m.byID[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, businessID, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok || t.BusinessID != businessID {
		return ErrTransactionNotFound
	}
	u.apply(t, time.Now().UTC())
	return nil
}

func (m *MemoryStore) ListByBusiness(ctx context.Context, businessID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.byID {
		if t.BusinessID == businessID && after.Before(t.CreatedAt, t.ID) {
			result = append(result, copyTransaction(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
