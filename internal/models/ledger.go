package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ledger reasons. Purchases use PurchaseReason(provider).
const (
	ReasonJobCharge = "JOB_CHARGE"
	ReasonJobRefund = "JOB_REFUND"

	purchaseReasonPrefix = "CREDIT_PURCHASE_"
)

// Payment providers.
const (
	ProviderStripe      = "stripe"
	ProviderNOWPayments = "nowpayments"
)

// PurchaseReason returns the ledger reason for a purchase through provider,
// e.g. CREDIT_PURCHASE_STRIPE.
func PurchaseReason(provider string) string {
	return purchaseReasonPrefix + strings.ToUpper(provider)
}

// LedgerEntry is an immutable balance change. DeltaCredits is signed.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	DeltaCredits int        `json:"delta_credits"`
	Reason       string     `json:"reason"`
	Provider     *string    `json:"provider,omitempty"`
	ExternalID   *string    `json:"external_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
