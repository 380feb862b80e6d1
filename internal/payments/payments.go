// Package payments tracks the escrowed funds tied to each call session.
// A payment moves from held to exactly one of forwarded, refunded, or
// stuck; the transition is a compare-and-set so settlement can never run
// twice against the same escrow.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mkarel/ringlock/internal/idgen"
	"github.com/mkarel/ringlock/internal/logging"
	"github.com/mkarel/ringlock/internal/metrics"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrPaymentNotFound = errors.New("payments: payment not found")
	ErrAlreadySettled  = errors.New("payments: payment already settled")
	ErrNotStuck        = errors.New("payments: payment is not stuck")
	ErrInvalidInput    = errors.New("payments: invalid input")
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the settlement state of a payment.
type Status string

const (
	// StatusHeld means funds are in escrow awaiting a call outcome.
	StatusHeld Status = "held"
	// StatusForwarded means the payout went to the callee.
	StatusForwarded Status = "forwarded"
	// StatusRefunded means the funds went back to the caller.
	StatusRefunded Status = "refunded"
	// StatusStuck means automatic settlement exhausted its retries and
	// an operator must resolve the payment by hand.
	StatusStuck Status = "stuck"
)

// Settled reports whether the payment has left escrow.
func (s Status) Settled() bool {
	return s == StatusForwarded || s == StatusRefunded
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Payment is one custodied escrow. It carries no back reference to its
// call session; the session owns the link.
type Payment struct {
	ID            string     `json:"id"`
	CallerAddress string     `json:"caller_address"`
	Amount        string     `json:"amount"`
	ChainID       int64      `json:"chain_id"`
	Status        Status     `json:"status"`
	TxHash        string     `json:"tx_hash,omitempty"`
	Note          string     `json:"note,omitempty"`
	StuckReason   string     `json:"stuck_reason,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store persists payments. The transition methods are conditional
// updates: they succeed only from the expected prior status and report
// whether this call performed the transition.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)

	// SetSettled moves held -> forwarded|refunded with the transfer hash
	// (or a zero-value note when no transfer occurred).
	SetSettled(ctx context.Context, id string, status Status, txHash, note string) (*Payment, bool, error)

	// SetStuck moves held -> stuck with the failure reason.
	SetStuck(ctx context.Context, id string, reason string) (*Payment, bool, error)

	// Resolve moves stuck -> forwarded|refunded with an operator-supplied
	// transaction reference.
	Resolve(ctx context.Context, id string, status Status, txRef, operator string) (*Payment, bool, error)

	List(ctx context.Context, limit, offset int) ([]*Payment, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Service provides payment operations on top of a Store.
type Service struct {
	store  Store
	notify func(event string, data map[string]interface{})
}

// NewService creates a payment service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// SetNotifier installs a fire-and-forget event sink (realtime feed).
func (s *Service) SetNotifier(fn func(event string, data map[string]interface{})) {
	s.notify = fn
}

func (s *Service) emit(event string, data map[string]interface{}) {
	if s.notify != nil {
		s.notify(event, data)
	}
}

// Create records a newly confirmed escrow as held.
func (s *Service) Create(ctx context.Context, callerAddress, amount string, chainID int64) (*Payment, error) {
	if callerAddress == "" || amount == "" {
		return nil, ErrInvalidInput
	}

	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		CallerAddress: callerAddress,
		Amount:        amount,
		ChainID:       chainID,
		Status:        StatusHeld,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// MarkSettled records a completed settlement. Returns ErrAlreadySettled
// if the payment had already left held, which callers treat as a benign
// duplicate.
func (s *Service) MarkSettled(ctx context.Context, id string, status Status, txHash, note string) (*Payment, error) {
	if !status.Settled() {
		return nil, ErrInvalidInput
	}

	p, transitioned, err := s.store.SetSettled(ctx, id, status, txHash, note)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return p, ErrAlreadySettled
	}

	metrics.SettlementsTotal.WithLabelValues(string(status)).Inc()
	logging.FromContext(ctx).Info("payment settled",
		slog.String("payment_id", id),
		slog.String("status", string(status)),
		slog.String("tx_hash", txHash))

	s.emit("payment_settled", map[string]interface{}{
		"payment_id": id,
		"status":     string(status),
		"tx_hash":    txHash,
	})

	return p, nil
}

// MarkStuck escalates a payment to manual resolution.
func (s *Service) MarkStuck(ctx context.Context, id, reason string) (*Payment, error) {
	p, transitioned, err := s.store.SetStuck(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return p, ErrAlreadySettled
	}

	metrics.SettlementsTotal.WithLabelValues(string(StatusStuck)).Inc()
	metrics.StuckPayments.Inc()
	logging.FromContext(ctx).Error("payment stuck, operator resolution required",
		slog.String("payment_id", id),
		slog.String("reason", reason))

	s.emit("payment_stuck", map[string]interface{}{
		"payment_id": id,
		"reason":     reason,
	})

	return p, nil
}

// Resolve is the operator override for stuck payments. It bypasses the
// automatic settlement path entirely and is audit-logged with the
// operator identity and their transaction reference.
func (s *Service) Resolve(ctx context.Context, id string, status Status, txRef, operator string) (*Payment, error) {
	if !status.Settled() {
		return nil, ErrInvalidInput
	}
	if txRef == "" || operator == "" {
		return nil, ErrInvalidInput
	}

	p, transitioned, err := s.store.Resolve(ctx, id, status, txRef, operator)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, ErrNotStuck
	}

	metrics.StuckPayments.Dec()
	logging.FromContext(ctx).Warn("stuck payment manually resolved",
		slog.String("payment_id", id),
		slog.String("status", string(status)),
		slog.String("tx_ref", txRef),
		slog.String("operator", operator))

	return p, nil
}

// List returns payments for operator views.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, limit, offset)
}

// ListHeld returns payments still in escrow, for the settlement
// reconciler.
func (s *Service) ListHeld(ctx context.Context, limit int) ([]*Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, StatusHeld, limit)
}

// ListStuck returns payments awaiting manual resolution.
func (s *Service) ListStuck(ctx context.Context, limit int) ([]*Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusStuck, limit)
}

// SyncStuckGauge refreshes the stuck-payments gauge from the store.
// Called on startup so the gauge survives restarts.
func (s *Service) SyncStuckGauge(ctx context.Context) error {
	n, err := s.store.CountByStatus(ctx, StatusStuck)
	if err != nil {
		return err
	}
	metrics.StuckPayments.Set(float64(n))
	return nil
}
