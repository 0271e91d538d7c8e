package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const DefaultNOWPaymentsURL = "https://api.nowpayments.io"

type NOWPaymentsConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// InvoiceRequest is the body of POST /v1/invoice.
type InvoiceRequest struct {
	PriceAmount      float64           `json:"price_amount"`
	PriceCurrency    string            `json:"price_currency"`
	PayCurrency      string            `json:"pay_currency,omitempty"`
	OrderID          string            `json:"order_id"`
	OrderDescription string            `json:"order_description"`
	SuccessURL       string            `json:"success_url,omitempty"`
	CancelURL        string            `json:"cancel_url,omitempty"`
	IPNCallbackURL   string            `json:"ipn_callback_url"`
	IsFixedRate      bool              `json:"is_fixed_rate"`
	IsFeePaidByUser  bool              `json:"is_fee_paid_by_user"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type Invoice struct {
	ID  string `json:"invoice_id"`
	URL string `json:"invoice_url"`
}

// NOWPaymentsClient creates hosted crypto invoices.
type NOWPaymentsClient struct {
	cfg        NOWPaymentsConfig
	httpClient *http.Client
}

func NewNOWPaymentsClient(cfg NOWPaymentsConfig) *NOWPaymentsClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNOWPaymentsURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &NOWPaymentsClient{cfg: cfg, httpClient: &http.Client{Timeout: cfg.RequestTimeout}}
}

func (c *NOWPaymentsClient) CreateInvoice(ctx context.Context, in InvoiceRequest) (Invoice, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Invoice{}, fmt.Errorf("marshal invoice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/invoice", bytes.NewReader(body))
	if err != nil {
		return Invoice{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Invoice{}, fmt.Errorf("%w: nowpayments: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Invoice{}, fmt.Errorf("%w: read nowpayments response: %v", ErrUpstream, err)
	}
	if resp.StatusCode >= 300 {
		return Invoice{}, fmt.Errorf("%w: nowpayments status=%d body=%s", ErrUpstream, resp.StatusCode, truncate(raw))
	}
	// id is a string in the docs and a number in some responses.
	inv := Invoice{
		ID:  gjson.GetBytes(raw, "id").String(),
		URL: gjson.GetBytes(raw, "invoice_url").String(),
	}
	if inv.ID == "" || inv.URL == "" {
		return Invoice{}, fmt.Errorf("%w: nowpayments response without id or invoice_url: %s", ErrUpstream, truncate(raw))
	}
	return inv, nil
}

func truncate(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
