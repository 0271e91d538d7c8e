package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
)

// ---------------------------------------------------------------------------
// Fake provider APIs
// ---------------------------------------------------------------------------

type capturedStripe struct {
	mu   sync.Mutex
	path string
	auth string
	form map[string]string
}

func fakeStripe(t *testing.T, status int) (*StripeCheckout, *capturedStripe) {
	t.Helper()
	got := &capturedStripe{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got.mu.Lock()
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.form = make(map[string]string)
		for k := range r.PostForm {
			got.form[k] = r.PostForm.Get(k)
		}
		got.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad key"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeCheckout("sk_test_123", backend), got
}

type capturedInvoice struct {
	mu     sync.Mutex
	apiKey string
	body   InvoiceRequest
}

func fakeNOWPayments(t *testing.T, status int, response string) (*NOWPaymentsClient, *capturedInvoice) {
	t.Helper()
	got := &capturedInvoice{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/invoice" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		got.mu.Lock()
		got.apiKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&got.body); err != nil {
			t.Errorf("decode invoice: %v", err)
		}
		got.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return NewNOWPaymentsClient(NOWPaymentsConfig{BaseURL: srv.URL, APIKey: "np-key"}), got
}

var testConfig = Config{
	CreditPriceCents: 100,
	SuccessURL:       "https://app.example.com/billing/success",
	CancelURL:        "https://app.example.com/billing/cancel",
}

// ---------------------------------------------------------------------------
// Stripe
// ---------------------------------------------------------------------------

func TestStripeCheckoutCarriesPurchaseMetadata(t *testing.T) {
	checkout, got := fakeStripe(t, http.StatusOK)
	svc := NewService(checkout, nil, testConfig, nil)
	user := uuid.New()

	url, err := svc.StripeCheckout(context.Background(), user, 25)
	if err != nil {
		t.Fatalf("StripeCheckout: %v", err)
	}
	if url != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Errorf("url: got %q", url)
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if got.path != "/v1/checkout/sessions" {
		t.Errorf("path: got %q", got.path)
	}
	if got.auth != "Bearer sk_test_123" {
		t.Errorf("authorization: got %q", got.auth)
	}
	want := map[string]string{
		"mode":                                   "payment",
		"metadata[user_id]":                      user.String(),
		"metadata[credits]":                      "25",
		"client_reference_id":                    user.String(),
		"line_items[0][price_data][unit_amount]": "2500",
		"line_items[0][price_data][currency]":    "usd",
		"line_items[0][quantity]":                "1",
		"success_url":                            testConfig.SuccessURL,
		"cancel_url":                             testConfig.CancelURL,
	}
	for k, v := range want {
		if got.form[k] != v {
			t.Errorf("%s: got %q, want %q", k, got.form[k], v)
		}
	}
}

func TestStripeCheckoutUpstreamError(t *testing.T) {
	checkout, _ := fakeStripe(t, http.StatusUnauthorized)
	svc := NewService(checkout, nil, testConfig, nil)

	if _, err := svc.StripeCheckout(context.Background(), uuid.New(), 5); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// NOWPayments
// ---------------------------------------------------------------------------

func TestNOWPaymentsInvoice(t *testing.T) {
	client, got := fakeNOWPayments(t, http.StatusOK, `{"id":"4522625843","invoice_url":"https://nowpayments.io/payment/?iid=4522625843"}`)
	svc := NewService(nil, client, testConfig, nil)
	user := uuid.New()

	inv, err := svc.NOWPaymentsInvoice(context.Background(), user, 12, "", "https://api.example.com/v1/webhooks/nowpayments")
	if err != nil {
		t.Fatalf("NOWPaymentsInvoice: %v", err)
	}
	if inv.ID != "4522625843" || inv.URL != "https://nowpayments.io/payment/?iid=4522625843" {
		t.Errorf("invoice: %+v", inv)
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if got.apiKey != "np-key" {
		t.Errorf("x-api-key: got %q", got.apiKey)
	}
	b := got.body
	if b.PriceAmount != 12 || b.PriceCurrency != "usd" || b.PayCurrency != DefaultPayCurrency {
		t.Errorf("price: %+v", b)
	}
	if b.IPNCallbackURL != "https://api.example.com/v1/webhooks/nowpayments" || !b.IsFixedRate || !b.IsFeePaidByUser {
		t.Errorf("invoice options: %+v", b)
	}
	if b.Metadata["user_id"] != user.String() || b.Metadata["credits"] != "12" {
		t.Errorf("metadata: %+v", b.Metadata)
	}
	uid, credits, ok := ParseOrderID(b.OrderID)
	if !ok || uid != user.String() || credits != "12" {
		t.Errorf("order_id %q parsed to %q %q %v", b.OrderID, uid, credits, ok)
	}
}

func TestNOWPaymentsNumericInvoiceID(t *testing.T) {
	client, _ := fakeNOWPayments(t, http.StatusOK, `{"id":4522625843,"invoice_url":"https://nowpayments.io/payment/?iid=4522625843"}`)
	svc := NewService(nil, client, testConfig, nil)

	inv, err := svc.NOWPaymentsInvoice(context.Background(), uuid.New(), 1, "btc", "https://cb")
	if err != nil {
		t.Fatalf("NOWPaymentsInvoice: %v", err)
	}
	if inv.ID != "4522625843" {
		t.Errorf("id: got %q", inv.ID)
	}
}

func TestNOWPaymentsUpstreamErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		status int
		body   string
	}{
		"rejected":   {http.StatusBadRequest, `{"message":"pay_currency is invalid"}`},
		"no url":     {http.StatusOK, `{"id":"1"}`},
		"server err": {http.StatusInternalServerError, `oops`},
	} {
		t.Run(name, func(t *testing.T) {
			client, _ := fakeNOWPayments(t, tc.status, tc.body)
			svc := NewService(nil, client, testConfig, nil)
			if _, err := svc.NOWPaymentsInvoice(context.Background(), uuid.New(), 1, "", "https://cb"); !errors.Is(err, ErrUpstream) {
				t.Fatalf("expected ErrUpstream, got %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestCreditsAreValidatedBeforeCallingProviders(t *testing.T) {
	svc := NewService(nil, nil, testConfig, nil)
	for _, credits := range []int{0, -1, MaxCredits + 1} {
		if _, err := svc.StripeCheckout(context.Background(), uuid.New(), credits); !errors.Is(err, ErrInvalidCredits) {
			t.Errorf("stripe credits=%d: got %v", credits, err)
		}
		if _, err := svc.NOWPaymentsInvoice(context.Background(), uuid.New(), credits, "", ""); !errors.Is(err, ErrInvalidCredits) {
			t.Errorf("nowpayments credits=%d: got %v", credits, err)
		}
	}
}

func TestUnconfiguredProviders(t *testing.T) {
	svc := NewService(nil, nil, testConfig, nil)
	if _, err := svc.StripeCheckout(context.Background(), uuid.New(), 1); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("stripe: got %v", err)
	}
	if _, err := svc.NOWPaymentsInvoice(context.Background(), uuid.New(), 1, "", ""); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("nowpayments: got %v", err)
	}
}

func TestParseOrderID(t *testing.T) {
	user := uuid.New()
	uid, credits, ok := ParseOrderID(OrderID(user, 40))
	if !ok || uid != user.String() || credits != strconv.Itoa(40) {
		t.Fatalf("round trip: %q %q %v", uid, credits, ok)
	}
	for _, bad := range []string{"", "order-17", "other:" + user.String() + ":1:x", "solidgen:" + user.String()} {
		if _, _, ok := ParseOrderID(bad); ok {
			t.Errorf("%q parsed", bad)
		}
	}
}
