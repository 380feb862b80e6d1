// Package verify keeps a short-lived ledger of human-verification proofs.
// A proof is registered when an anti-bot check passes and is checked once
// by escrow creation for callees that require human callers. Proofs are
// trusted for a single action scope and expire on a fixed TTL.
package verify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mkarel/ringlock/internal/metrics"
)

var (
	ErrProofNotFound = errors.New("verify: proof not found")
	ErrProofExpired  = errors.New("verify: proof expired")
	ErrWrongScope    = errors.New("verify: proof scoped to a different action")
)

// Record is one registered verification proof.
type Record struct {
	ProofID   string    `json:"proof_id"`
	Scope     string    `json:"scope"`
	Level     string    `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger holds verification records with TTL-based expiry. Reads are
// non-destructive so retried confirmation callbacks can re-check the same
// proof; expiry is decided from the creation timestamp, never by deleting
// a record out from under an active read.
type Ledger struct {
	ttl     time.Duration
	mu      sync.RWMutex
	records map[string]*Record
}

// NewLedger creates a ledger whose proofs expire after ttl.
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		ttl:     ttl,
		records: make(map[string]*Record),
	}
}

// Register stores a proof for the given action scope.
func (l *Ledger) Register(ctx context.Context, proofID, scope, level string) *Record {
	r := &Record{
		ProofID:   proofID,
		Scope:     scope,
		Level:     level,
		CreatedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	l.records[proofID] = r
	l.mu.Unlock()

	return r
}

// Check validates a proof for an action scope. A proof created at T is
// usable strictly before T + TTL; a record still present after that is
// rejected the same as a missing one would be, but with a distinct error
// so the caller can report "expired" rather than "unknown".
func (l *Ledger) Check(ctx context.Context, proofID, scope string) (*Record, error) {
	l.mu.RLock()
	r, ok := l.records[proofID]
	l.mu.RUnlock()

	if !ok {
		return nil, ErrProofNotFound
	}
	if !time.Now().Before(r.CreatedAt.Add(l.ttl)) {
		return nil, ErrProofExpired
	}
	if r.Scope != scope {
		return nil, ErrWrongScope
	}

	cp := *r
	return &cp, nil
}

// SweepExpired removes proofs past their TTL. Returns the number removed.
func (l *Ledger) SweepExpired() int {
	cutoff := time.Now().Add(-l.ttl)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, r := range l.records {
		if r.CreatedAt.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs SweepExpired on an interval until ctx is cancelled.
func (l *Ledger) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.SweepExpired(); n > 0 {
					metrics.VerificationProofsSwept.Add(float64(n))
				}
			}
		}
	}()
}
