package memory

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/models"
	"github.com/solidgen/backend/internal/repository"
)

type Webhooks struct{ s *Store }

func (r *Webhooks) Get(_ context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	var (
		e  models.WebhookEvent
		ok bool
	)
	r.s.read(func(d *data) { e, ok = d.webhooks[eventKey{provider, eventID}] })
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (r *Webhooks) InsertPending(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	inserted := false
	err := r.s.write(ctx, func(d *data) error {
		key := eventKey{e.Provider, e.EventID}
		if _, ok := d.webhooks[key]; ok {
			return nil
		}
		e.ReceivedAt = r.s.clock()
		d.webhooks[key] = *e
		inserted = true
		return nil
	})
	return inserted, err
}

func (r *Webhooks) MarkProcessedTx(_ context.Context, tx pgx.Tx, provider, eventID string, at time.Time) error {
	d, err := r.s.txData(tx)
	if err != nil {
		return err
	}
	key := eventKey{provider, eventID}
	e, ok := d.webhooks[key]
	if !ok || e.ProcessedAt != nil {
		return repository.ErrNotFound
	}
	e.ProcessedAt = &at
	d.webhooks[key] = e
	return nil
}
