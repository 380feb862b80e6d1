package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. A single
// mutex gives it the same atomicity the SQL store gets from conditional
// updates.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	byPayment map[string]string // payment id -> session id
	byLeg     map[string]string // leg id -> session id
	callers   map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		byPayment: make(map[string]string),
		byLeg:     make(map[string]string),
		callers:   make(map[string]time.Time),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.sessions[s.ID] = &cp
	m.byPayment[s.PaymentID] = s.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByPaymentID(ctx context.Context, paymentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPayment[paymentID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) GetByLegID(ctx context.Context, legID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byLeg[legID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) LinkLeg(ctx context.Context, paymentID, legID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPayment[paymentID]
	if !ok {
		return ErrSessionNotFound
	}
	s := m.sessions[id]
	if s.LegID != "" {
		// Duplicate dial attempt, keep the first leg.
		return nil
	}
	s.LegID = legID
	s.UpdatedAt = time.Now().UTC()
	m.byLeg[legID] = id
	return nil
}

func (m *MemoryStore) MarkVerified(ctx context.Context, legID string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byLeg[legID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	s := m.sessions[id]

	if s.Status != StatusPending || s.FinalizedAt != nil {
		cp := *s
		return &cp, false, nil
	}

	now := time.Now().UTC()
	s.Status = StatusVerified
	s.VerifiedAt = &now
	s.UpdatedAt = now

	cp := *s
	return &cp, true, nil
}

func (m *MemoryStore) Finalize(ctx context.Context, legID string, fallback Status, durationSec int) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byLeg[legID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	s := m.sessions[id]

	if s.FinalizedAt != nil {
		cp := *s
		return &cp, false, nil
	}

	now := time.Now().UTC()
	if s.Status != StatusVerified {
		s.Status = fallback
	}
	s.DurationSec = durationSec
	s.FinalizedAt = &now
	s.UpdatedAt = now

	cp := *s
	return &cp, true, nil
}

func (m *MemoryStore) EnsureCaller(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.callers[address]; !ok {
		m.callers[address] = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []*Session{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}
