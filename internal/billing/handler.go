package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/solidgen/backend/internal/middleware"
)

const maxRequestBody = 4 << 10

type CheckoutSessionRequest struct {
	Credits int `json:"credits"`
}

type CheckoutSessionResponse struct {
	URL string `json:"url"`
}

type InvoiceCreateRequest struct {
	Credits     int    `json:"credits"`
	PayCurrency string `json:"pay_currency"`
}

// Payments is what the handler needs from Service.
type Payments interface {
	StripeCheckout(ctx context.Context, userID uuid.UUID, credits int) (string, error)
	NOWPaymentsInvoice(ctx context.Context, userID uuid.UUID, credits int, payCurrency, callbackURL string) (Invoice, error)
}

var _ Payments = (*Service)(nil)

type Handler struct {
	svc Payments
	// ipnCallbackURL overrides the URL derived from the request host.
	ipnCallbackURL string
	log            *slog.Logger
}

func NewHandler(svc Payments, ipnCallbackURL string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, ipnCallbackURL: ipnCallbackURL, log: log}
}

// POST /v1/billing/stripe/checkout-session
func (h *Handler) CreateStripeCheckout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CheckoutSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	url, err := h.svc.StripeCheckout(r.Context(), userID, req.Credits)
	if err != nil {
		h.writeError(w, "stripe", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutSessionResponse{URL: url})
}

// POST /v1/billing/nowpayments/invoice
func (h *Handler) CreateNOWPaymentsInvoice(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req InvoiceCreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	inv, err := h.svc.NOWPaymentsInvoice(r.Context(), userID, req.Credits, req.PayCurrency, h.callbackURL(r))
	if err != nil {
		h.writeError(w, "nowpayments", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) writeError(w http.ResponseWriter, provider string, userID uuid.UUID, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredits):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotConfigured):
		http.Error(w, provider+" not configured", http.StatusInternalServerError)
	default:
		h.log.Error("create payment failed", "provider", provider, "user_id", userID, "error", err)
		http.Error(w, "payment provider unavailable", http.StatusBadGateway)
	}
}

func (h *Handler) callbackURL(r *http.Request) string {
	if h.ipnCallbackURL != "" {
		return h.ipnCallbackURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(fwd, ",")[0]))
	}
	return scheme + "://" + r.Host + "/v1/webhooks/nowpayments"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
