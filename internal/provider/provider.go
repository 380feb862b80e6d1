// Package provider verifies payment descriptors against their rail
// before any escrow is recorded. Two rails exist: on-chain USDC
// transfers, checked against transaction receipts, and fiat card
// payments, checked against the processor's payment intent.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrPaymentNotConfirmed means the descriptor does not prove a
	// settled payment of at least the expected amount.
	ErrPaymentNotConfirmed = errors.New("provider: payment not confirmed")
	// ErrUnknownRail means the descriptor names a rail we do not verify.
	ErrUnknownRail = errors.New("provider: unknown payment rail")
)

// Rail identifies how the caller paid.
type Rail string

const (
	RailOnChain Rail = "onchain"
	RailFiat    Rail = "fiat"
)

// Descriptor is the provider-issued proof of payment the caller submits
// at confirmation.
type Descriptor struct {
	Rail Rail `json:"rail"`
	// TxHash identifies an on-chain transfer.
	TxHash string `json:"tx_hash,omitempty"`
	// PaymentIntentID identifies a fiat payment intent.
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	// Payer is the paying address for on-chain transfers.
	Payer string `json:"payer,omitempty"`
}

// Expectation is what the stored escrow reference says the payment
// must amount to.
type Expectation struct {
	// MinAmount is the USDC decimal price of the call.
	MinAmount string
}

// Verifier checks one rail.
type Verifier interface {
	Verify(ctx context.Context, d Descriptor, e Expectation) error
}

// Registry routes descriptors to their rail's verifier.
type Registry struct {
	verifiers map[Rail]Verifier
}

// NewRegistry creates a registry from the available rails. A nil
// verifier leaves its rail unregistered.
func NewRegistry(onChain, fiat Verifier) *Registry {
	r := &Registry{verifiers: make(map[Rail]Verifier)}
	if onChain != nil {
		r.verifiers[RailOnChain] = onChain
	}
	if fiat != nil {
		r.verifiers[RailFiat] = fiat
	}
	return r
}

// Verify dispatches to the descriptor's rail.
func (r *Registry) Verify(ctx context.Context, d Descriptor, e Expectation) error {
	v, ok := r.verifiers[d.Rail]
	if !ok {
		return ErrUnknownRail
	}
	return v.Verify(ctx, d, e)
}
