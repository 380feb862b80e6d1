// Package intent runs the payment-facing side of the protocol: a caller
// initiates a call intent, pays, and confirms. Confirmation verifies the
// payment against its rail, records the escrow, creates the call
// session, and dials the callee through the privacy proxy.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkarel/ringlock/internal/calls"
	"github.com/mkarel/ringlock/internal/calltoken"
	"github.com/mkarel/ringlock/internal/directory"
	"github.com/mkarel/ringlock/internal/idgen"
	"github.com/mkarel/ringlock/internal/logging"
	"github.com/mkarel/ringlock/internal/payments"
	"github.com/mkarel/ringlock/internal/provider"
	"github.com/mkarel/ringlock/internal/settlement"
	"github.com/mkarel/ringlock/internal/telephony"
	"github.com/mkarel/ringlock/internal/traces"
	"github.com/mkarel/ringlock/internal/validation"
	"github.com/mkarel/ringlock/internal/verify"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidRecipient     = errors.New("intent: recipient has no routable callee identity")
	ErrVerificationRequired = errors.New("intent: recipient requires human verification")
	ErrVerificationInvalid  = errors.New("intent: verification proof invalid")
	ErrVerificationExpired  = errors.New("intent: verification proof expired")
	ErrReferenceNotFound    = errors.New("intent: escrow reference not found")
	ErrPaymentNotConfirmed  = errors.New("intent: payment not confirmed")
	ErrInvalidInput         = errors.New("intent: invalid input")
)

// VerificationScope is the action scope a proof must carry to gate
// escrow creation.
const VerificationScope = "place_call"

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Config carries the orchestration parameters.
type Config struct {
	// ChainID is recorded on every payment.
	ChainID int64
	// ProxyNumber is the routing proxy number shown to callees.
	ProxyNumber string
	// PublicBaseURL is where the gateway posts callbacks.
	PublicBaseURL string
	// DialTimeoutSec bounds callee ringing.
	DialTimeoutSec int
}

// Service orchestrates the intent flow.
type Service struct {
	cfg       Config
	refs      *ReferenceStore
	ledger    *verify.Ledger
	directory *directory.Service
	payments  *payments.Service
	calls     *calls.Service
	tokens    *calltoken.Service
	verifier  provider.Verifier
	dialer    telephony.Dialer
	engine    *settlement.Engine
}

// Deps bundles the collaborating services.
type Deps struct {
	Refs      *ReferenceStore
	Ledger    *verify.Ledger
	Directory *directory.Service
	Payments  *payments.Service
	Calls     *calls.Service
	Tokens    *calltoken.Service
	Verifier  provider.Verifier
	Dialer    telephony.Dialer
	Engine    *settlement.Engine
}

// NewService creates an intent service.
func NewService(cfg Config, d Deps) *Service {
	if cfg.DialTimeoutSec <= 0 {
		cfg.DialTimeoutSec = 30
	}
	return &Service{
		cfg:       cfg,
		refs:      d.Refs,
		ledger:    d.Ledger,
		directory: d.Directory,
		payments:  d.Payments,
		calls:     d.Calls,
		tokens:    d.Tokens,
		verifier:  d.Verifier,
		dialer:    d.Dialer,
		engine:    d.Engine,
	}
}

// CreateParams are the inputs for initiating a call intent.
type CreateParams struct {
	RoutingID     string
	CallerAddress string
	ProofID       string
}

// Create validates the recipient and any verification proof, then
// issues an escrow reference the caller pays against. No durable state
// is written; an unconfirmed reference simply expires.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Reference, error) {
	if !validation.IsValidEthAddress(p.CallerAddress) {
		return nil, ErrInvalidInput
	}

	entry, err := s.directory.Lookup(ctx, p.RoutingID)
	if err != nil {
		// Unknown and deactivated recipients look the same.
		return nil, ErrInvalidRecipient
	}

	if entry.RequiresVerification {
		if p.ProofID == "" {
			return nil, ErrVerificationRequired
		}
		if _, err := s.ledger.Check(ctx, p.ProofID, VerificationScope); err != nil {
			switch {
			case errors.Is(err, verify.ErrProofExpired):
				return nil, ErrVerificationExpired
			default:
				return nil, ErrVerificationInvalid
			}
		}
	}

	ref := &Reference{
		ID:            idgen.WithPrefix("ref_"),
		RoutingID:     entry.RoutingID,
		CallerAddress: p.CallerAddress,
		Amount:        entry.PriceUSDC,
		ProofID:       p.ProofID,
		CreatedAt:     time.Now().UTC(),
	}
	s.refs.Put(ref)

	logging.FromContext(ctx).Info("call intent created",
		slog.String("reference_id", ref.ID),
		slog.String("routing_id", ref.RoutingID),
		slog.String("amount", ref.Amount))

	return ref, nil
}

// ConfirmResult is the outcome of a confirmed intent.
type ConfirmResult struct {
	Session *calls.Session `json:"session"`
	// CallToken authorizes the telephony leg; surfaced for diagnostics.
	CallToken string `json:"-"`
}

// Confirm verifies the payment descriptor against the stored reference,
// records the escrow, creates the session, and dials the callee.
// Confirmation is idempotent by reference id: a retried confirmation
// returns the session created by the first one.
func (s *Service) Confirm(ctx context.Context, referenceID string, d provider.Descriptor) (*ConfirmResult, error) {
	ctx, span := traces.StartSpan(ctx, "intent.confirm")
	defer span.End()

	// Claim the reference before creating anything, so a concurrent
	// duplicate can never mint a second payment or session. Losers
	// wait for the winner and adopt its session.
	var ref *Reference
	for {
		r, sessionID, claimed, ok := s.refs.BeginConfirm(referenceID)
		if !ok {
			return nil, ErrReferenceNotFound
		}
		if claimed {
			ref = r
			break
		}
		if sessionID != "" {
			// Retried confirmation callback after a completed one.
			session, err := s.calls.Get(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			return &ConfirmResult{Session: session}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}

	if err := s.verifier.Verify(ctx, d, provider.Expectation{MinAmount: ref.Amount}); err != nil {
		s.refs.AbortConfirm(referenceID)
		if errors.Is(err, provider.ErrUnknownRail) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPaymentNotConfirmed, err)
	}

	payment, err := s.payments.Create(ctx, ref.CallerAddress, ref.Amount, s.cfg.ChainID)
	if err != nil {
		s.refs.AbortConfirm(referenceID)
		return nil, err
	}
	session, err := s.calls.Create(ctx, payment.ID, ref.CallerAddress, ref.RoutingID)
	if err != nil {
		s.refs.AbortConfirm(referenceID)
		return nil, err
	}

	s.refs.FinishConfirm(referenceID, payment.ID, session.ID)

	token, err := s.tokens.Issue(ref.RoutingID, session.ID)
	if err != nil {
		s.failWithoutLeg(ctx, session)
		return nil, err
	}

	if err := s.dial(ctx, session, token); err != nil {
		// The escrow is held but no leg exists; refund through the
		// normal settlement path via a synthetic leg.
		s.failWithoutLeg(ctx, session)
		return nil, err
	}

	return &ConfirmResult{Session: session, CallToken: token}, nil
}

// dial places the callee leg and links it to the session.
func (s *Service) dial(ctx context.Context, session *calls.Session, token string) error {
	entry, err := s.directory.Get(ctx, session.CalleeRoutingID)
	if err != nil {
		return err
	}

	legID, err := s.dialer.PlaceCall(ctx, telephony.PlaceCallParams{
		To:           entry.PhoneNumber,
		From:         s.cfg.ProxyNumber,
		ScreeningURL: s.cfg.PublicBaseURL + "/callbacks/screening/voice",
		StatusURL:    s.cfg.PublicBaseURL + "/callbacks/status",
		CallToken:    token,
		TimeoutSec:   s.cfg.DialTimeoutSec,
	})
	if err != nil {
		return err
	}

	return s.calls.LinkLeg(ctx, session.PaymentID, legID)
}

// failWithoutLeg finalizes a session whose leg never existed so the
// escrow still reaches a refund instead of sitting held forever.
func (s *Service) failWithoutLeg(ctx context.Context, session *calls.Session) {
	legID := "int_" + session.ID
	if err := s.calls.LinkLeg(ctx, session.PaymentID, legID); err != nil {
		logging.FromContext(ctx).Error("failed to link synthetic leg",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		return
	}
	final, didFinalize, err := s.calls.Finalize(ctx, legID, calls.OutcomeFailed, 0)
	if err != nil {
		logging.FromContext(ctx).Error("failed to finalize undialed session",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		return
	}
	if didFinalize {
		s.engine.SettleAsync(ctx, final)
	}
}
