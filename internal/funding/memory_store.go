package funding

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory funding store for demo/development mode.
type MemoryStore struct {
	requests map[string]*Request
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory funding store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, businessID, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok || r.BusinessID != businessID {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; !ok {
		return ErrRequestNotFound
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, businessID, agentID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.requests {
		if r.BusinessID != businessID || (agentID != "" && r.AgentID != agentID) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
