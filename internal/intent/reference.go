package intent

import (
	"context"
	"sync"
	"time"

	"github.com/mkarel/ringlock/internal/metrics"
)

// Reference is the ephemeral record of one payment intent, alive only
// between initiation and confirmation.
type Reference struct {
	ID            string    `json:"id"`
	RoutingID     string    `json:"routing_id"`
	CallerAddress string    `json:"caller_address"`
	Amount        string    `json:"amount"`
	ProofID       string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`

	// Set once the reference has been confirmed, so retried
	// confirmation callbacks resolve to the same payment and session.
	PaymentID string `json:"-"`
	SessionID string `json:"-"`

	// confirming marks a confirmation in flight, so exactly one caller
	// creates the payment and session for this reference.
	confirming bool
}

// ReferenceStore holds references with TTL expiry. It is a process-wide
// concurrent map; a networked cache can replace it for multi-instance
// deployments.
type ReferenceStore struct {
	ttl  time.Duration
	mu   sync.Mutex
	refs map[string]*Reference
}

// NewReferenceStore creates a store whose references expire after ttl.
func NewReferenceStore(ttl time.Duration) *ReferenceStore {
	return &ReferenceStore{
		ttl:  ttl,
		refs: make(map[string]*Reference),
	}
}

// Put stores a reference.
func (s *ReferenceStore) Put(r *Reference) {
	s.mu.Lock()
	cp := *r
	s.refs[r.ID] = &cp
	s.mu.Unlock()
}

// Get returns a live reference. Expired references are treated as
// absent even before the sweep removes them; expiry is decided from the
// creation timestamp so a sweep can never race an active read into a
// half-deleted state.
func (s *ReferenceStore) Get(id string) (*Reference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refs[id]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(r.CreatedAt.Add(s.ttl)) {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// BeginConfirm atomically claims a live reference for confirmation.
// At most one caller holds the claim at a time, so at most one payment
// and session ever exist per reference. Outcomes:
//
//	claimed=true:  the caller owns the confirmation and must end it
//	               with FinishConfirm or AbortConfirm.
//	sessionID != "": the reference was already confirmed; adopt it.
//	both zero, ok=true: another confirmation is in flight.
//
// ok=false means the reference is absent or expired.
func (s *ReferenceStore) BeginConfirm(id string) (ref *Reference, sessionID string, claimed, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, found := s.refs[id]
	if !found || !time.Now().Before(r.CreatedAt.Add(s.ttl)) {
		return nil, "", false, false
	}
	if r.SessionID != "" {
		return nil, r.SessionID, false, true
	}
	if r.confirming {
		return nil, "", false, true
	}
	r.confirming = true
	cp := *r
	return &cp, "", true, true
}

// FinishConfirm records the payment and session created under a claim
// and releases it. Retried confirmations adopt these ids.
func (s *ReferenceStore) FinishConfirm(id, paymentID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.refs[id]; ok {
		r.PaymentID = paymentID
		r.SessionID = sessionID
		r.confirming = false
	}
}

// AbortConfirm releases a claim without confirming, so a later retry
// can claim the reference again.
func (s *ReferenceStore) AbortConfirm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.refs[id]; ok {
		r.confirming = false
	}
}

// SweepExpired removes references past their TTL. Returns the number
// removed.
func (s *ReferenceStore) SweepExpired() int {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.refs {
		if r.CreatedAt.Before(cutoff) {
			delete(s.refs, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs SweepExpired on an interval until ctx is cancelled.
func (s *ReferenceStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.SweepExpired(); n > 0 {
					metrics.EscrowReferencesSwept.Add(float64(n))
				}
			}
		}
	}()
}
