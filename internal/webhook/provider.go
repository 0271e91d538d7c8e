// Package webhook ingests payment-provider callbacks: signature check,
// (provider, event id) dedup with a write-ahead pending row, then an
// idempotent purchase committed together with the processed mark.
package webhook

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
)

var (
	ErrUnknownProvider       = errors.New("webhook: unknown provider")
	ErrProviderNotConfigured = errors.New("webhook: provider not configured")
	ErrInvalidSignature      = errors.New("webhook: invalid signature")
	ErrMalformedPayload      = errors.New("webhook: malformed payload")
)

// Payment is the accounting-relevant part of a provider event.
type Payment struct {
	// ExternalID identifies the payment, not the delivery; a payment credited
	// through two different events is still credited once.
	ExternalID string
	UserID     uuid.UUID
	Credits    int
	Completed  bool
}

// Provider verifies and interprets one payment provider's callbacks.
type Provider interface {
	Name() string
	Configured() bool
	// Verify checks the signature over the raw body and returns the event id.
	Verify(body []byte, header http.Header) (string, error)
	Interpret(body []byte) (Payment, error)
}
