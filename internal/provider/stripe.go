package provider

import (
	"context"
	"fmt"
	"math/big"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/mkarel/ringlock/internal/usdc"
)

// StripeVerifier checks fiat payment intents. The price is denominated
// in USDC; fiat payments must cover the same USD value in cents.
type StripeVerifier struct{}

// NewStripeVerifier configures the Stripe client and returns the fiat
// rail verifier. Returns nil when no key is configured, which leaves
// the fiat rail disabled.
func NewStripeVerifier(apiKey string) *StripeVerifier {
	if apiKey == "" {
		return nil
	}
	stripe.Key = apiKey
	return &StripeVerifier{}
}

var _ Verifier = (*StripeVerifier)(nil)

// Verify implements Verifier.
func (v *StripeVerifier) Verify(ctx context.Context, d Descriptor, e Expectation) error {
	if d.PaymentIntentID == "" {
		return ErrPaymentNotConfirmed
	}

	pi, err := paymentintent.Get(d.PaymentIntentID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentNotConfirmed, err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: intent status %s", ErrPaymentNotConfirmed, pi.Status)
	}
	if pi.Currency != stripe.CurrencyUSD {
		return fmt.Errorf("%w: currency %s", ErrPaymentNotConfirmed, pi.Currency)
	}

	minCents, ok := usdcToCents(e.MinAmount)
	if !ok {
		return fmt.Errorf("%w: bad expected amount %q", ErrPaymentNotConfirmed, e.MinAmount)
	}
	if pi.AmountReceived < minCents {
		return fmt.Errorf("%w: received %d cents, need %d", ErrPaymentNotConfirmed, pi.AmountReceived, minCents)
	}

	return nil
}

// usdcToCents converts a USDC decimal amount to USD cents, rounding up
// so underpayment is never accepted.
func usdcToCents(amount string) (int64, bool) {
	units, ok := usdc.Parse(amount)
	if !ok {
		return 0, false
	}
	// 1 cent = 10^4 USDC base units.
	cents, rem := new(big.Int).DivMod(units, big.NewInt(10000), new(big.Int))
	if rem.Sign() > 0 {
		cents.Add(cents, big.NewInt(1))
	}
	if !cents.IsInt64() {
		return 0, false
	}
	return cents.Int64(), true
}
