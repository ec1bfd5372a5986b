package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// ApprovalGate answers the marketplace fee-approval question: a marketplace
// delivery is only broadcast to drivers once the buyer's fee hold is in
// place. The approval workflow itself lives upstream; the dispatcher only
// consumes the signal.
type ApprovalGate interface {
	Approved(ctx context.Context, paymentRef string) (bool, error)
}

// ApproveAll is the gate used when no payment backend is configured
// (local runs, tests).
type ApproveAll struct{}

func (ApproveAll) Approved(ctx context.Context, paymentRef string) (bool, error) { return true, nil }

// StripeGate implements the gate on Stripe PaymentIntents: a manual-capture
// hold counts as buyer approval.
type StripeGate struct{}

// NewStripeGate initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeGate() *StripeGate {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGate{}
}

func (s *StripeGate) Approved(ctx context.Context, paymentRef string) (bool, error) {
	if paymentRef == "" {
		return false, nil
	}
	pi, err := paymentintent.Get(paymentRef, nil)
	if err != nil {
		return false, err
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return true, nil
	}
	return false, nil
}

// HoldFee places a manual-capture hold for the delivery fee and returns the
// PaymentIntent ID the request carries as its payment_ref.
func (s *StripeGate) HoldFee(ctx context.Context, amount int64, currency, customerID string) (string, error) {
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

// CaptureFee finalizes the hold after delivery.
func (s *StripeGate) CaptureFee(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Capture(paymentRef, nil)
	return err
}

// ReleaseFee cancels the hold when the delivery is cancelled or unassignable.
func (s *StripeGate) ReleaseFee(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Cancel(paymentRef, nil)
	return err
}
