// Package directory manages the callee registry. A callee publishes a
// routing ID and a payout address; their real phone number stays private
// and is only ever handed to the telephony provider when a paid call is
// placed through the privacy proxy.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mkarel/ringlock/internal/idgen"
	"github.com/mkarel/ringlock/internal/usdc"
	"github.com/mkarel/ringlock/internal/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrNotFound        = errors.New("directory: entry not found")
	ErrAlreadyExists   = errors.New("directory: routing id already registered")
	ErrInvalidInput    = errors.New("directory: invalid input")
	ErrInvalidAddress  = errors.New("directory: invalid payout address")
	ErrInvalidPhone    = errors.New("directory: invalid phone number")
	ErrEntryDeactivated = errors.New("directory: entry deactivated")
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Entry is a registered callee. PhoneNumber is never serialized to JSON;
// it leaves the process only inside telephony API calls.
type Entry struct {
	RoutingID            string    `json:"routing_id"`
	DisplayName          string    `json:"display_name,omitempty"`
	PhoneNumber          string    `json:"-"`
	PayoutAddress        string    `json:"payout_address"`
	PriceUSDC            string    `json:"price_usdc"`
	RequiresVerification bool      `json:"requires_verification"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// RegisterParams are the inputs for creating a directory entry.
type RegisterParams struct {
	DisplayName          string
	PhoneNumber          string
	PayoutAddress        string
	PriceUSDC            string
	RequiresVerification bool
}

// UpdateParams are the mutable fields of an entry. Nil means unchanged.
type UpdateParams struct {
	DisplayName          *string
	PayoutAddress        *string
	PriceUSDC            *string
	RequiresVerification *bool
	Active               *bool
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store persists directory entries.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, routingID string) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	List(ctx context.Context, limit, offset int) ([]*Entry, error)
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Service provides directory operations on top of a Store.
type Service struct {
	store Store
}

// NewService creates a directory service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a new callee entry and assigns it a routing ID.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*Entry, error) {
	if !validation.IsValidE164(p.PhoneNumber) {
		return nil, ErrInvalidPhone
	}
	if !validation.IsValidEthAddress(p.PayoutAddress) {
		return nil, ErrInvalidAddress
	}
	if !validPrice(p.PriceUSDC) {
		return nil, ErrInvalidInput
	}

	now := time.Now().UTC()
	e := &Entry{
		RoutingID:            idgen.WithPrefix("rt_"),
		DisplayName:          strings.TrimSpace(p.DisplayName),
		PhoneNumber:          p.PhoneNumber,
		PayoutAddress:        strings.ToLower(p.PayoutAddress),
		PriceUSDC:            p.PriceUSDC,
		RequiresVerification: p.RequiresVerification,
		Active:               true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Lookup returns an active entry by routing ID. Deactivated entries are
// reported distinctly so callers can surface a meaningful error.
func (s *Service) Lookup(ctx context.Context, routingID string) (*Entry, error) {
	if !validation.IsValidRoutingID(routingID) {
		return nil, ErrNotFound
	}
	e, err := s.store.Get(ctx, routingID)
	if err != nil {
		return nil, err
	}
	if !e.Active {
		return nil, ErrEntryDeactivated
	}
	return e, nil
}

// Get returns an entry regardless of active state (operator use).
func (s *Service) Get(ctx context.Context, routingID string) (*Entry, error) {
	return s.store.Get(ctx, routingID)
}

// Update applies partial changes to an entry.
func (s *Service) Update(ctx context.Context, routingID string, p UpdateParams) (*Entry, error) {
	e, err := s.store.Get(ctx, routingID)
	if err != nil {
		return nil, err
	}

	if p.DisplayName != nil {
		e.DisplayName = strings.TrimSpace(*p.DisplayName)
	}
	if p.PayoutAddress != nil {
		if !validation.IsValidEthAddress(*p.PayoutAddress) {
			return nil, ErrInvalidAddress
		}
		e.PayoutAddress = strings.ToLower(*p.PayoutAddress)
	}
	if p.PriceUSDC != nil {
		if !validPrice(*p.PriceUSDC) {
			return nil, ErrInvalidInput
		}
		e.PriceUSDC = *p.PriceUSDC
	}
	if p.RequiresVerification != nil {
		e.RequiresVerification = *p.RequiresVerification
	}
	if p.Active != nil {
		e.Active = *p.Active
	}
	e.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns entries for operator views.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, limit, offset)
}

// validPrice accepts positive USDC decimal strings.
func validPrice(amount string) bool {
	raw, ok := usdc.Parse(amount)
	return ok && raw.Sign() > 0
}
