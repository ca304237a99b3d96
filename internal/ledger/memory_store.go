package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. A single
// mutex serializes every posting.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance // by account id
	holds    map[string]*Hold    // by hold id
	entries  []*Entry
	byKey    map[string]*Entry
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		holds:    make(map[string]*Hold),
		byKey:    make(map[string]*Entry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) GetBalance(_ context.Context, acct Account) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.balances[acct.ID]; ok {
		cp := *b
		return &cp, nil
	}
	return zeroBalance(acct, m.now()), nil
}

func (m *MemoryStore) Append(ctx context.Context, p *Posting) (*AppendResult, error) {
	if err := validatePosting(p); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTxn{store: m}
	res, err := post(ctx, tx, p, m.now())
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		tx.commit()
	}
	return copyResult(res), nil
}

func (m *MemoryStore) GetHold(_ context.Context, businessID, holdID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[holdID]
	if !ok || h.BusinessID != businessID {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) EntryByKey(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.byKey[key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) ListHolds(_ context.Context, f HoldFilter) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Hold
	for _, h := range m.holds {
		if h.BusinessID != f.BusinessID {
			continue
		}
		if f.AgentID != "" && h.AgentID != f.AgentID {
			continue
		}
		if f.State != "" && h.State != f.State {
			continue
		}
		if !inWindow(h.CreatedAt, f.From, f.To) || !f.After.Before(h.CreatedAt, h.ID) {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, f EntryFilter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.BusinessID != f.BusinessID {
			continue
		}
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.HoldID != "" && e.HoldID != f.HoldID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !inWindow(e.CreatedAt, f.From, f.To) || !f.After.Before(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	// Newest first, same order as the SQL store.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListBalances(_ context.Context, f AccountFilter) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for _, b := range m.balances {
		if !f.match(b) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStaleHolds(_ context.Context, before time.Time, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Hold
	for _, h := range m.holds {
		if h.State == HoldOpen && h.CreatedAt.Before(before) {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTxn stages writes and applies them on commit. The store mutex is held
// by the caller for the whole txn.
type memTxn struct {
	store      *MemoryStore
	balances   []*Balance
	newHold    *Hold
	transition *memTransition
	entry      *Entry
}

type memTransition struct {
	holdID string
	to     HoldState
	at     time.Time
}

func (t *memTxn) entryByKey(_ context.Context, key string) (*Entry, error) {
	if e, ok := t.store.byKey[key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (t *memTxn) hold(_ context.Context, businessID, holdID string) (*Hold, error) {
	h, ok := t.store.holds[holdID]
	if !ok || h.BusinessID != businessID {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (t *memTxn) lockBalance(_ context.Context, acct Account, at time.Time) (*Balance, error) {
	if b, ok := t.store.balances[acct.ID]; ok {
		cp := *b
		return &cp, nil
	}
	return zeroBalance(acct, at), nil
}

func (t *memTxn) insertHold(_ context.Context, h *Hold) error {
	cp := *h
	t.newHold = &cp
	return nil
}

func (t *memTxn) casHold(_ context.Context, businessID, holdID string, tr Transition, at time.Time) (bool, error) {
	h, ok := t.store.holds[holdID]
	if !ok || h.BusinessID != businessID || h.State != tr.From {
		return false, nil
	}
	t.transition = &memTransition{holdID: holdID, to: tr.To, at: at}
	return true, nil
}

func (t *memTxn) saveBalance(_ context.Context, b *Balance) error {
	cp := *b
	t.balances = append(t.balances, &cp)
	return nil
}

func (t *memTxn) insertEntry(_ context.Context, e *Entry) error {
	cp := *e
	t.entry = &cp
	return nil
}

func (t *memTxn) commit() {
	s := t.store
	if t.newHold != nil {
		s.holds[t.newHold.ID] = t.newHold
	}
	if t.transition != nil {
		h := s.holds[t.transition.holdID]
		h.State = t.transition.to
		h.UpdatedAt = t.transition.at
	}
	for _, b := range t.balances {
		s.balances[b.ID] = b
	}
	if t.entry != nil {
		s.entries = append(s.entries, t.entry)
		s.byKey[t.entry.IdempotencyKey] = t.entry
	}
}

func copyResult(r *AppendResult) *AppendResult {
	out := &AppendResult{Replayed: r.Replayed}
	if r.Entry != nil {
		e := *r.Entry
		out.Entry = &e
	}
	if r.Hold != nil {
		h := *r.Hold
		out.Hold = &h
	}
	if r.Balance != nil {
		b := *r.Balance
		out.Balance = &b
	}
	if r.Source != nil {
		b := *r.Source
		out.Source = &b
	}
	return out
}
