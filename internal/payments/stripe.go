package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway is the external payment capability: place a hold against the
// estimated fare at creation, capture it at completion, release it on
// cancellation. The wallet ledger inside the store stays authoritative;
// gateway calls happen after the store transaction commits.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdRef string) error
	Release(ctx context.Context, holdRef string) error
}

// StripeGateway implements Gateway on PaymentIntents with manual capture.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeGateway() *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGateway{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeGateway) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeGateway) Capture(ctx context.Context, holdRef string) error {
	_, err := paymentintent.Capture(holdRef, nil)
	return err
}

// Release cancels the PaymentIntent, returning the held funds.
func (s *StripeGateway) Release(ctx context.Context, holdRef string) error {
	_, err := paymentintent.Cancel(holdRef, nil)
	return err
}
