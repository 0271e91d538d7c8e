// Package billing starts purchases: Stripe Checkout Sessions and NOWPayments
// invoices that carry the buyer's user id and credit count. Crediting happens
// later, when the provider's webhook arrives.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	MinCredits = 1
	MaxCredits = 100000

	DefaultPayCurrency = "usdt"
	priceCurrency      = "usd"
	orderPrefix        = "solidgen"
)

var (
	ErrInvalidCredits = fmt.Errorf("credits must be between %d and %d", MinCredits, MaxCredits)
	// ErrNotConfigured: the provider has no API key.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrUpstream: the provider rejected or failed the request.
	ErrUpstream = errors.New("payment provider error")
)

type Config struct {
	// CreditPriceCents is the price of one credit in USD cents.
	CreditPriceCents int64
	SuccessURL       string
	CancelURL        string
}

type Service struct {
	stripe      *StripeCheckout
	nowpayments *NOWPaymentsClient
	cfg         Config
	log         *slog.Logger
}

// NewService wires the providers. A nil provider reports ErrNotConfigured.
func NewService(stripe *StripeCheckout, nowpayments *NOWPaymentsClient, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CreditPriceCents <= 0 {
		cfg.CreditPriceCents = 100
	}
	return &Service{stripe: stripe, nowpayments: nowpayments, cfg: cfg, log: log}
}

func validCredits(n int) error {
	if n < MinCredits || n > MaxCredits {
		return ErrInvalidCredits
	}
	return nil
}

// StripeCheckout returns the hosted checkout URL for credits.
func (s *Service) StripeCheckout(ctx context.Context, userID uuid.UUID, credits int) (string, error) {
	if err := validCredits(credits); err != nil {
		return "", err
	}
	if s.stripe == nil {
		return "", ErrNotConfigured
	}
	co, err := s.stripe.Create(ctx, CheckoutRequest{
		UserID:      userID,
		Credits:     credits,
		AmountCents: int64(credits) * s.cfg.CreditPriceCents,
		Currency:    priceCurrency,
		SuccessURL:  s.cfg.SuccessURL,
		CancelURL:   s.cfg.CancelURL,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("stripe checkout created", "user_id", userID, "credits", credits, "session_id", co.ID)
	return co.URL, nil
}

// NOWPaymentsInvoice creates an invoice whose IPNs go to callbackURL.
func (s *Service) NOWPaymentsInvoice(ctx context.Context, userID uuid.UUID, credits int, payCurrency, callbackURL string) (Invoice, error) {
	if err := validCredits(credits); err != nil {
		return Invoice{}, err
	}
	if s.nowpayments == nil {
		return Invoice{}, ErrNotConfigured
	}
	if payCurrency == "" {
		payCurrency = DefaultPayCurrency
	}
	inv, err := s.nowpayments.CreateInvoice(ctx, InvoiceRequest{
		PriceAmount:      float64(int64(credits)*s.cfg.CreditPriceCents) / 100,
		PriceCurrency:    priceCurrency,
		PayCurrency:      strings.ToLower(payCurrency),
		OrderID:          OrderID(userID, credits),
		OrderDescription: fmt.Sprintf("Solidgen credits (%d)", credits),
		SuccessURL:       s.cfg.SuccessURL,
		CancelURL:        s.cfg.CancelURL,
		IPNCallbackURL:   callbackURL,
		IsFixedRate:      true,
		IsFeePaidByUser:  true,
		Metadata:         map[string]string{"user_id": userID.String(), "credits": strconv.Itoa(credits)},
	})
	if err != nil {
		return Invoice{}, err
	}
	s.log.Info("nowpayments invoice created", "user_id", userID, "credits", credits, "invoice_id", inv.ID)
	return inv, nil
}

// OrderID encodes the purchase as "solidgen:<user id>:<credits>:<nonce>".
// NOWPayments echoes order_id in every IPN.
func OrderID(userID uuid.UUID, credits int) string {
	return fmt.Sprintf("%s:%s:%d:%s", orderPrefix, userID, credits, uuid.NewString())
}

// ParseOrderID reverses OrderID. It returns the raw user id and credit
// strings so the caller applies its own validation.
func ParseOrderID(orderID string) (userID, credits string, ok bool) {
	parts := strings.Split(orderID, ":")
	if len(parts) != 4 || parts[0] != orderPrefix {
		return "", "", false
	}
	return parts[1], parts[2], true
}
