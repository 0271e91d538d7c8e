package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/solidgen/backend/internal/billing"
	"github.com/solidgen/backend/internal/models"
)

var nowPaymentsSignatureHeaders = []string{"x-nowpayments-sig", "x-nowpayments-signature"}

// NOWPaymentsProvider handles IPN callbacks signed with HMAC-SHA512 of the
// raw body under the IPN secret.
type NOWPaymentsProvider struct {
	secret []byte
}

func NewNOWPaymentsProvider(ipnSecret string) *NOWPaymentsProvider {
	return &NOWPaymentsProvider{secret: []byte(ipnSecret)}
}

func (p *NOWPaymentsProvider) Name() string     { return models.ProviderNOWPayments }
func (p *NOWPaymentsProvider) Configured() bool { return len(p.secret) > 0 }

// Verify returns "<payment id>:<status>" as the event id. NOWPayments sends
// one IPN per status change of the same payment.
func (p *NOWPaymentsProvider) Verify(body []byte, header http.Header) (string, error) {
	var sig string
	for _, h := range nowPaymentsSignatureHeaders {
		if sig = header.Get(h); sig != "" {
			break
		}
	}
	if sig == "" {
		return "", fmt.Errorf("%w: missing x-nowpayments-sig", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(sig)))
	if err != nil {
		return "", fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	mac := hmac.New(sha512.New, p.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", ErrInvalidSignature
	}

	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	id := paymentID(body)
	if id == "" {
		return "", fmt.Errorf("%w: no payment_id or invoice_id", ErrMalformedPayload)
	}
	return id + ":" + paymentStatus(body), nil
}

func (p *NOWPaymentsProvider) Interpret(body []byte) (Payment, error) {
	if !gjson.ValidBytes(body) {
		return Payment{}, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	id := paymentID(body)
	switch paymentStatus(body) {
	case "finished", "confirmed":
	default:
		return Payment{ExternalID: id}, nil
	}

	// Invoices created by billing carry metadata; the order_id encodes the
	// same values and is echoed by every IPN.
	meta := gjson.GetBytes(body, "metadata")
	rawUser, rawCredits := meta.Get("user_id").String(), meta.Get("credits").String()
	if rawUser == "" || rawCredits == "" {
		if u, c, ok := billing.ParseOrderID(gjson.GetBytes(body, "order_id").String()); ok {
			rawUser, rawCredits = u, c
		}
	}
	userID, credits, err := purchaseMetadata(rawUser, rawCredits)
	if err != nil {
		return Payment{}, err
	}
	return Payment{ExternalID: id, UserID: userID, Credits: credits, Completed: true}, nil
}

func paymentID(body []byte) string {
	for _, path := range []string{"payment_id", "invoice_id"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func paymentStatus(body []byte) string {
	return strings.ToLower(gjson.GetBytes(body, "payment_status").String())
}
