package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solidgen/backend/internal/models"
)

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `id, user_id, status, input_ref, output_ref, params, cost_credits, error_text,
	lease_owner, lease_expires_at, attempts, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var params []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.InputRef, &j.OutputRef, &params, &j.CostCredits, &j.ErrorText,
		&j.LeaseOwner, &j.LeaseExpiresAt, &j.Attempts, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(params, &j.Params); err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateTx inserts a QUEUED job inside the given transaction.
func (r *JobRepo) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, status, input_ref, params, cost_credits)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, j.Status, j.InputRef, params, j.CostCredits).Scan(&j.CreatedAt, &j.UpdatedAt)
	return mapErr(err)
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// ListByUser returns the user's jobs newest first.
func (r *JobRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// Claim moves a job to RUNNING under a lease held by owner until until.
// A QUEUED job, or a RUNNING job whose lease is released or expired at now,
// can be claimed; anything else yields ErrNotFound.
func (r *JobRepo) Claim(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'RUNNING', lease_owner = $2, lease_expires_at = $3,
		    attempts = attempts + 1, updated_at = $4
		WHERE id = $1
		  AND (status = 'QUEUED'
		       OR (status = 'RUNNING' AND (lease_expires_at IS NULL OR lease_expires_at <= $4)))
		RETURNING `+jobColumns, id, owner, until, now))
}

// ExtendLease pushes the lease expiry forward. ErrNotFound means the lease was lost.
func (r *JobRepo) ExtendLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $3
		WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
	`, id, owner, until)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseLease clears the lease so a redelivery can reclaim the job immediately.
func (r *JobRepo) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSucceeded records the output reference and the terminal status together.
func (r *JobRepo) MarkSucceeded(ctx context.Context, id uuid.UUID, owner, outputRef string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'SUCCEEDED', output_ref = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
	`, id, owner, outputRef, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailedTx records the failure inside the caller's transaction so the
// refund commits with it.
func (r *JobRepo) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, owner, errText string, now time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'FAILED', error_text = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
	`, id, owner, errText, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
