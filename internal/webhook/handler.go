package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

// Service is what the handler needs from the Ingestor.
type Service interface {
	Ingest(ctx context.Context, provider string, body []byte, header http.Header) (Outcome, error)
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Receive handles POST /v1/webhooks/{provider}. The body is read raw so the
// signature covers exactly the bytes the provider sent.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	out, err := h.svc.Ingest(r.Context(), provider, body, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownProvider):
			http.Error(w, "unknown provider", http.StatusNotFound)
		case errors.Is(err, ErrProviderNotConfigured):
			h.log.Error("webhook provider not configured", "provider", provider)
			http.Error(w, "provider not configured", http.StatusInternalServerError)
		case errors.Is(err, ErrInvalidSignature):
			http.Error(w, "invalid signature", http.StatusBadRequest)
		case errors.Is(err, ErrMalformedPayload):
			http.Error(w, "malformed payload", http.StatusBadRequest)
		default:
			h.log.Error("webhook ingest failed", "provider", provider, "error", err)
			http.Error(w, "webhook processing failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		OK bool `json:"ok"`
		Outcome
	}{true, out})
}
