package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solidgen/backend/internal/models"
)

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// InsertTx appends an entry. It returns false without error when the
// (job_id, reason) or (provider, external_id) key already exists; ON CONFLICT
// keeps the surrounding transaction usable in that case.
func (r *LedgerRepo) InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, user_id, job_id, delta_credits, reason, provider, external_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`, e.ID, e.UserID, e.JobID, e.DeltaCredits, e.Reason, e.Provider, e.ExternalID).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

func (r *LedgerRepo) ExistsForJobTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, reason string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE job_id = $1 AND reason = $2)
	`, jobID, reason).Scan(&exists)
	return exists, err
}

func (r *LedgerRepo) ExistsForExternalTx(ctx context.Context, tx pgx.Tx, provider, externalID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE provider = $1 AND external_id = $2)
	`, provider, externalID).Scan(&exists)
	return exists, err
}

// ListByUser returns the user's entries newest first.
func (r *LedgerRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, job_id, delta_credits, reason, provider, external_id, created_at
		FROM credit_ledger WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.JobID, &e.DeltaCredits, &e.Reason, &e.Provider, &e.ExternalID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// SumByUser returns the balance implied by the ledger.
func (r *LedgerRepo) SumByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var sum int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta_credits), 0)::int FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}
