package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/solidgen/backend/internal/models"
)

const stripeSignatureHeader = "Stripe-Signature"

type StripeProvider struct {
	secret string
}

func NewStripeProvider(webhookSecret string) *StripeProvider {
	return &StripeProvider{secret: webhookSecret}
}

func (p *StripeProvider) Name() string     { return models.ProviderStripe }
func (p *StripeProvider) Configured() bool { return p.secret != "" }

func (p *StripeProvider) Verify(body []byte, header http.Header) (string, error) {
	sig := header.Get(stripeSignatureHeader)
	if sig == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidSignature, stripeSignatureHeader)
	}
	event, err := stripewebhook.ConstructEventWithOptions(body, sig, p.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.ID == "" {
		return "", fmt.Errorf("%w: event without id", ErrMalformedPayload)
	}
	return event.ID, nil
}

// Interpret credits checkout sessions that are paid, either at completion or
// through the async payment succeeded event. The session id is the external
// id so both events map to one purchase.
func (p *StripeProvider) Interpret(body []byte) (Payment, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return Payment{}, nil
	}
	if event.Data == nil {
		return Payment{}, fmt.Errorf("%w: event without data", ErrMalformedPayload)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return Payment{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return Payment{ExternalID: session.ID}, nil
	}

	userID, credits, err := purchaseMetadata(session.Metadata["user_id"], session.Metadata["credits"])
	if err != nil {
		return Payment{}, err
	}
	return Payment{ExternalID: session.ID, UserID: userID, Credits: credits, Completed: true}, nil
}

func purchaseMetadata(rawUser, rawCredits string) (uuid.UUID, int, error) {
	userID, err := uuid.Parse(rawUser)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: metadata.user_id %q", ErrMalformedPayload, rawUser)
	}
	credits, err := strconv.Atoi(rawCredits)
	if err != nil || credits <= 0 {
		return uuid.Nil, 0, fmt.Errorf("%w: metadata.credits %q", ErrMalformedPayload, rawCredits)
	}
	return userID, credits, nil
}
