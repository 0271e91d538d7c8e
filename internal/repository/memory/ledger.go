package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/models"
)

type Ledger struct{ s *Store }

// InsertTx enforces the (job_id, reason) and (provider, external_id) keys.
func (r *Ledger) InsertTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) (bool, error) {
	d, err := r.s.txData(tx)
	if err != nil {
		return false, err
	}
	for _, existing := range d.ledger {
		if e.JobID != nil && existing.JobID != nil && *existing.JobID == *e.JobID && existing.Reason == e.Reason {
			return false, nil
		}
		if e.Provider != nil && existing.Provider != nil && *existing.Provider == *e.Provider &&
			existing.ExternalID != nil && e.ExternalID != nil && *existing.ExternalID == *e.ExternalID {
			return false, nil
		}
	}
	e.CreatedAt = r.s.clock()
	d.ledger = append(d.ledger, *e)
	return true, nil
}

func (r *Ledger) ExistsForJobTx(_ context.Context, tx pgx.Tx, jobID uuid.UUID, reason string) (bool, error) {
	d, err := r.s.txData(tx)
	if err != nil {
		return false, err
	}
	for _, e := range d.ledger {
		if e.JobID != nil && *e.JobID == jobID && e.Reason == reason {
			return true, nil
		}
	}
	return false, nil
}

func (r *Ledger) ExistsForExternalTx(_ context.Context, tx pgx.Tx, provider, externalID string) (bool, error) {
	d, err := r.s.txData(tx)
	if err != nil {
		return false, err
	}
	for _, e := range d.ledger {
		if e.Provider != nil && *e.Provider == provider && e.ExternalID != nil && *e.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Ledger) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	var list []*models.LedgerEntry
	r.s.read(func(d *data) {
		for _, e := range d.ledger {
			if e.UserID == userID {
				cp := e
				list = append(list, &cp)
			}
		}
	})
	sortNewestFirst(list, func(e *models.LedgerEntry) time.Time { return e.CreatedAt })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *Ledger) SumByUser(_ context.Context, userID uuid.UUID) (int, error) {
	var sum int
	r.s.read(func(d *data) {
		for _, e := range d.ledger {
			if e.UserID == userID {
				sum += e.DeltaCredits
			}
		}
	})
	return sum, nil
}
