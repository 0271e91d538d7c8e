package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solidgen/backend/internal/models"
)

type WebhookEventRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookEventRepo(pool *pgxpool.Pool) *WebhookEventRepo {
	return &WebhookEventRepo{pool: pool}
}

func (r *WebhookEventRepo) Get(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := r.pool.QueryRow(ctx, `
		SELECT id, provider, event_id, received_at, processed_at, payload
		FROM webhook_events WHERE provider = $1 AND event_id = $2
	`, provider, eventID).Scan(&e.ID, &e.Provider, &e.EventID, &e.ReceivedAt, &e.ProcessedAt, &e.Payload)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

// InsertPending records the first sighting of an event. Returns false when a
// concurrent delivery already inserted it.
func (r *WebhookEventRepo) InsertPending(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING received_at
	`, e.ID, e.Provider, e.EventID, e.Payload).Scan(&e.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// MarkProcessedTx sets processed_at inside the transaction that applied the event's effect.
func (r *WebhookEventRepo) MarkProcessedTx(ctx context.Context, tx pgx.Tx, provider, eventID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE webhook_events SET processed_at = $3
		WHERE provider = $1 AND event_id = $2 AND processed_at IS NULL
	`, provider, eventID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
