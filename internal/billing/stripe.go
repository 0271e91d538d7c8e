package billing

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
)

// CheckoutRequest describes one hosted checkout for a credit pack.
type CheckoutRequest struct {
	UserID      uuid.UUID
	Credits     int
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
}

// Checkout is the created session. URL is where the user pays.
type Checkout struct {
	ID  string
	URL string
}

// StripeCheckout creates Checkout Sessions whose metadata carries the user id
// and credit count the webhook ingestor later credits.
type StripeCheckout struct {
	sessions session.Client
}

// NewStripeCheckout returns a client for secretKey. A nil backend uses the
// Stripe API.
func NewStripeCheckout(secretKey string, backend stripe.Backend) *StripeCheckout {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeCheckout{sessions: session.Client{B: backend, Key: secretKey}}
}

func (s *StripeCheckout) Create(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.UserID.String()),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("Solidgen credits (%d)", req.Credits)),
				},
				UnitAmount: stripe.Int64(req.AmountCents),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata("user_id", req.UserID.String())
	params.AddMetadata("credits", strconv.Itoa(req.Credits))

	sess, err := s.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe checkout: %v", ErrUpstream, err)
	}
	return &Checkout{ID: sess.ID, URL: sess.URL}, nil
}
