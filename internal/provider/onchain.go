package provider

import (
	"context"
	"fmt"

	"github.com/mkarel/ringlock/internal/wallet"
)

// OnChainVerifier checks USDC transfer receipts against the platform
// wallet's transaction log.
type OnChainVerifier struct {
	wallet wallet.PaymentVerifier
}

// NewOnChainVerifier creates the on-chain rail verifier.
func NewOnChainVerifier(w wallet.PaymentVerifier) *OnChainVerifier {
	return &OnChainVerifier{wallet: w}
}

var _ Verifier = (*OnChainVerifier)(nil)

// Verify implements Verifier. The receipt must show a successful USDC
// transfer from the payer to the platform wallet of at least the
// expected amount.
func (v *OnChainVerifier) Verify(ctx context.Context, d Descriptor, e Expectation) error {
	if d.TxHash == "" || d.Payer == "" {
		return ErrPaymentNotConfirmed
	}

	ok, err := v.wallet.VerifyPayment(ctx, d.Payer, e.MinAmount, d.TxHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentNotConfirmed, err)
	}
	if !ok {
		return ErrPaymentNotConfirmed
	}
	return nil
}
