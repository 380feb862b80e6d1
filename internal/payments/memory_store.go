package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetSettled(ctx context.Context, id string, status Status, txHash, note string) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}
	if p.Status != StatusHeld {
		cp := *p
		return &cp, false, nil
	}

	now := time.Now().UTC()
	p.Status = status
	p.TxHash = txHash
	p.Note = note
	p.SettledAt = &now

	cp := *p
	return &cp, true, nil
}

func (m *MemoryStore) SetStuck(ctx context.Context, id string, reason string) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}
	if p.Status != StatusHeld {
		cp := *p
		return &cp, false, nil
	}

	p.Status = StatusStuck
	p.StuckReason = reason

	cp := *p
	return &cp, true, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, status Status, txRef, operator string) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}
	if p.Status != StatusStuck {
		cp := *p
		return &cp, false, nil
	}

	now := time.Now().UTC()
	p.Status = status
	p.TxHash = txRef
	p.ResolvedBy = operator
	p.SettledAt = &now

	cp := *p
	return &cp, true, nil
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*Payment, 0, len(m.payments))
	for _, p := range m.payments {
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []*Payment{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status == status {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.payments {
		if p.Status == status {
			n++
		}
	}
	return n, nil
}
