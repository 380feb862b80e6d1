// Package calls implements the call session state machine. A session is
// the aggregate root of one phone call attempt, from payment escrow
// through telephony screening to its final status. Transitions must be
// idempotent: telephony callbacks arrive duplicated and out of order.
package calls

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
	ErrSessionNotFound = errors.New("calls: session not found")
	ErrInvalidInput    = errors.New("calls: invalid input")
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the lifecycle state of a call session.
type Status string

const (
	// StatusPending is the initial state after payment confirmation.
	StatusPending Status = "pending"
	// StatusVerified means the callee pressed the confirmation digit.
	// It is preserved through finalization as the record that a human
	// explicitly accepted the call.
	StatusVerified Status = "verified"
	// StatusCompleted is a terminal state for a bridged call that ended
	// normally. Not reachable from the automatic path today; kept for
	// exhaustive settlement handling and operator tooling.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal: the leg errored, was rejected, or never
	// connected.
	StatusFailed Status = "failed"
	// StatusVoicemail is terminal: the leg completed without the callee
	// ever confirming, which is how voicemail pickup looks.
	StatusVoicemail Status = "voicemail"
)

// Accepted reports whether this status represents an accepted call, which
// routes settlement down the forward path.
func (s Status) Accepted() bool {
	return s == StatusVerified || s == StatusCompleted
}

// Outcome is the raw result code a call-terminated callback carries.
type Outcome string

const (
	// OutcomeCompleted means the telephony leg ended normally.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed covers error, busy, no-answer, and cancelled legs.
	OutcomeFailed Outcome = "failed"
)

// FinalStatus merges the session's current status with the observed
// telephony outcome. Verified always wins: the screening confirmation
// and the call-end callback race, and a confirmation observed at any
// point before finalization must never be downgraded. An unconfirmed
// leg that completed normally is voicemail pickup; anything else failed.
func FinalStatus(current Status, outcome Outcome) Status {
	if current == StatusVerified {
		return StatusVerified
	}
	if outcome == OutcomeCompleted {
		return StatusVoicemail
	}
	return StatusFailed
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Session is one call attempt. CalleeRoutingID is the only callee
// identity a session ever carries; the real phone number stays in the
// directory. LegID is assigned once telephony accepts the leg and is
// the sole correlation key for inbound callbacks.
type Session struct {
	ID              string     `json:"id"`
	CallerAddress   string     `json:"caller_address"`
	CalleeRoutingID string     `json:"callee_routing_id"`
	PaymentID       string     `json:"payment_id"`
	Status          Status     `json:"status"`
	LegID           string     `json:"leg_id,omitempty"`
	DurationSec     int        `json:"duration_sec"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Terminal reports whether the session has been finalized. Status alone
// cannot answer this because verified is preserved through finalization.
func (s *Session) Terminal() bool {
	return s.FinalizedAt != nil
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store persists call sessions. LinkLeg, MarkVerified, and Finalize must
// be atomic: concurrent callers may race on the same session and exactly
// one Finalize may win.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Session, error)
	GetByLegID(ctx context.Context, legID string) (*Session, error)

	// LinkLeg sets the telephony leg id if not already set. Setting the
	// same leg id twice is a no-op; a different leg id on an already
	// linked session is also a no-op (duplicate dial attempts).
	LinkLeg(ctx context.Context, paymentID, legID string) error

	// MarkVerified transitions pending to verified. Returns the session
	// and whether this call performed the transition.
	MarkVerified(ctx context.Context, legID string) (*Session, bool, error)

	// Finalize atomically stamps the final status on an unfinalized
	// session, applying the verified-wins merge against the stored
	// status. fallback is the status to use when the session is not
	// verified. Returns the session and whether this call won the
	// finalization race.
	Finalize(ctx context.Context, legID string, fallback Status, durationSec int) (*Session, bool, error)

	// EnsureCaller provisions a minimal caller record on first sight.
	EnsureCaller(ctx context.Context, address string) error

	List(ctx context.Context, limit, offset int) ([]*Session, error)
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Service provides call session operations on top of a Store.
type Service struct {
	store  Store
	notify func(event string, data map[string]interface{})
}

// NewService creates a call session service.
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

// Create starts a new pending session for a confirmed payment. Callers
// are auto-provisioned: paying is the only onboarding step.
func (s *Service) Create(ctx context.Context, paymentID, callerAddress, calleeRoutingID string) (*Session, error) {
	if paymentID == "" || callerAddress == "" || calleeRoutingID == "" {
		return nil, ErrInvalidInput
	}

	if err := s.store.EnsureCaller(ctx, callerAddress); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:              idgen.WithPrefix("call_"),
		CallerAddress:   callerAddress,
		CalleeRoutingID: calleeRoutingID,
		PaymentID:       paymentID,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("call session created",
		slog.String("session_id", session.ID),
		slog.String("payment_id", paymentID),
		slog.String("routing_id", calleeRoutingID))

	s.emit("session_created", map[string]interface{}{
		"session_id": session.ID,
		"routing_id": session.CalleeRoutingID,
	})

	return session, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// GetByPaymentID returns the session owning a payment.
func (s *Service) GetByPaymentID(ctx context.Context, paymentID string) (*Session, error) {
	return s.store.GetByPaymentID(ctx, paymentID)
}

// GetByLegID returns the session linked to a telephony leg.
func (s *Service) GetByLegID(ctx context.Context, legID string) (*Session, error) {
	return s.store.GetByLegID(ctx, legID)
}

// LinkLeg attaches the telephony leg identifier to the session owning
// paymentID. Idempotent against duplicate dial attempts.
func (s *Service) LinkLeg(ctx context.Context, paymentID, legID string) error {
	if legID == "" {
		return ErrInvalidInput
	}
	return s.store.LinkLeg(ctx, paymentID, legID)
}

// MarkVerified records that the callee confirmed pickup. No-op if the
// session is already past pending.
func (s *Service) MarkVerified(ctx context.Context, legID string) (*Session, error) {
	session, transitioned, err := s.store.MarkVerified(ctx, legID)
	if err != nil {
		return nil, err
	}

	if transitioned {
		logging.FromContext(ctx).Info("callee confirmed pickup",
			slog.String("session_id", session.ID),
			slog.String("leg_id", legID))
		s.emit("session_verified", map[string]interface{}{
			"session_id": session.ID,
			"routing_id": session.CalleeRoutingID,
		})
	}

	return session, nil
}

// Finalize stamps the session's final status from the observed telephony
// outcome. The first caller to reach an unfinalized session performs the
// transition and gets didFinalize=true; everyone after that gets the
// existing record unchanged. Settlement must only be triggered on
// didFinalize=true.
func (s *Service) Finalize(ctx context.Context, legID string, outcome Outcome, durationSec int) (*Session, bool, error) {
	if durationSec < 0 {
		durationSec = 0
	}

	fallback := FinalStatus(StatusPending, outcome)
	session, didFinalize, err := s.store.Finalize(ctx, legID, fallback, durationSec)
	if err != nil {
		return nil, false, err
	}

	if didFinalize {
		metrics.CallSessionsTotal.WithLabelValues(string(session.Status)).Inc()
		logging.FromContext(ctx).Info("call session finalized",
			slog.String("session_id", session.ID),
			slog.String("leg_id", legID),
			slog.String("status", string(session.Status)),
			slog.Int("duration_sec", durationSec))
		s.emit("session_finalized", map[string]interface{}{
			"session_id":   session.ID,
			"routing_id":   session.CalleeRoutingID,
			"status":       string(session.Status),
			"duration_sec": durationSec,
		})
	} else {
		logging.FromContext(ctx).Debug("duplicate finalize ignored",
			slog.String("session_id", session.ID),
			slog.String("leg_id", legID))
	}

	return session, didFinalize, nil
}

// List returns sessions for operator views.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, limit, offset)
}
