package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/events"
	"github.com/solidgen/backend/internal/ledger"
	"github.com/solidgen/backend/internal/models"
	"github.com/solidgen/backend/internal/repository"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventStore is the (provider, event id) dedup table.
type EventStore interface {
	Get(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error)
	InsertPending(ctx context.Context, e *models.WebhookEvent) (bool, error)
	MarkProcessedTx(ctx context.Context, tx pgx.Tx, provider, eventID string, at time.Time) error
}

// Purchaser applies a credit purchase inside tx.
type Purchaser interface {
	Purchase(ctx context.Context, tx pgx.Tx, req ledger.PurchaseRequest) (bool, error)
}

// Outcome describes what an accepted delivery did.
type Outcome struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"idempotent,omitempty"`
	Credited  bool   `json:"credited"`
}

type Ingestor struct {
	db        TxBeginner
	events    EventStore
	purchaser Purchaser
	providers map[string]Provider
	publisher events.Publisher
	topic     string
	now       func() time.Time
	log       *slog.Logger
}

type IngestorConfig struct {
	// CreditEventsTopic receives CreditsPurchased events.
	CreditEventsTopic string
	Publisher         events.Publisher
	Now               func() time.Time
	Log               *slog.Logger
}

func NewIngestor(db TxBeginner, store EventStore, purchaser Purchaser, providers []Provider, cfg IngestorConfig) *Ingestor {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Noop{}
	}
	if cfg.CreditEventsTopic == "" {
		cfg.CreditEventsTopic = "credits.purchased"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Ingestor{
		db:        db,
		events:    store,
		purchaser: purchaser,
		providers: byName,
		publisher: cfg.Publisher,
		topic:     cfg.CreditEventsTopic,
		now:       cfg.Now,
		log:       cfg.Log,
	}
}

// Ingest verifies and applies one delivery. A processed event is reported as
// a duplicate without effect. A crash after the pending insert leaves a row
// the provider's retry completes; the purchase is idempotent on the payment's
// external id.
func (in *Ingestor) Ingest(ctx context.Context, providerName string, body []byte, header http.Header) (Outcome, error) {
	p, ok := in.providers[providerName]
	if !ok {
		return Outcome{}, ErrUnknownProvider
	}
	if !p.Configured() {
		return Outcome{}, fmt.Errorf("%w: %s", ErrProviderNotConfigured, providerName)
	}

	eventID, err := p.Verify(body, header)
	if err != nil {
		return Outcome{}, err
	}
	log := in.log.With("provider", providerName, "event_id", eventID)
	out := Outcome{EventID: eventID}

	existing, err := in.events.Get(ctx, providerName, eventID)
	switch {
	case err == nil && existing.Processed():
		log.Info("webhook already processed")
		out.Duplicate = true
		return out, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return Outcome{}, fmt.Errorf("lookup webhook event: %w", err)
	}

	if existing == nil {
		ev := &models.WebhookEvent{ID: uuid.New(), Provider: providerName, EventID: eventID}
		if json.Valid(body) {
			ev.Payload = json.RawMessage(body)
		}
		if _, err := in.events.InsertPending(ctx, ev); err != nil {
			return Outcome{}, fmt.Errorf("record webhook event: %w", err)
		}
	}

	payment, err := p.Interpret(body)
	if err != nil {
		log.Warn("webhook payload rejected", "error", err)
		return Outcome{}, err
	}

	credited, err := in.apply(ctx, providerName, eventID, payment, log)
	if errors.Is(err, repository.ErrNotFound) {
		// A concurrent delivery marked it processed first.
		out.Duplicate = true
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	out.Credited = credited

	if credited {
		log.Info("credits purchased", "user_id", payment.UserID, "credits", payment.Credits, "external_id", payment.ExternalID)
		in.publish(ctx, events.CreditsPurchased{
			Provider:   providerName,
			ExternalID: payment.ExternalID,
			UserID:     payment.UserID,
			Credits:    payment.Credits,
			At:         in.now(),
		})
	} else {
		log.Info("webhook processed without credit", "completed", payment.Completed)
	}
	return out, nil
}

// apply runs the purchase and the processed mark in one transaction.
func (in *Ingestor) apply(ctx context.Context, provider, eventID string, payment Payment, log *slog.Logger) (bool, error) {
	tx, err := in.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	credited := false
	if payment.Completed {
		credited, err = in.purchaser.Purchase(ctx, tx, ledger.PurchaseRequest{
			Provider:   provider,
			ExternalID: payment.ExternalID,
			UserID:     payment.UserID,
			Credits:    payment.Credits,
		})
		switch {
		case errors.Is(err, ledger.ErrUserNotFound):
			log.Warn("purchase for unknown user, marking processed", "user_id", payment.UserID)
		case err != nil:
			return false, fmt.Errorf("apply purchase: %w", err)
		}
	}

	if err := in.events.MarkProcessedTx(ctx, tx, provider, eventID, in.now()); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return credited, nil
}

func (in *Ingestor) publish(ctx context.Context, ev events.CreditsPurchased) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := in.publisher.Publish(pctx, in.topic, ev.UserID.String(), ev); err != nil {
		in.log.Warn("publish purchase event failed", "external_id", ev.ExternalID, "error", err)
	}
}
