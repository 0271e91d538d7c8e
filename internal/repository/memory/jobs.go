package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/models"
	"github.com/solidgen/backend/internal/repository"
)

type Jobs struct{ s *Store }

func (r *Jobs) CreateTx(_ context.Context, tx pgx.Tx, j *models.Job) error {
	d, err := r.s.txData(tx)
	if err != nil {
		return err
	}
	if _, ok := d.jobs[j.ID]; ok {
		return repository.ErrDuplicate
	}
	if _, ok := d.users[j.UserID]; !ok {
		return repository.ErrConstraint
	}
	now := r.s.clock()
	j.CreatedAt, j.UpdatedAt = now, now
	d.jobs[j.ID] = *j
	return nil
}

func (r *Jobs) GetByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	var (
		j  models.Job
		ok bool
	)
	r.s.read(func(d *data) { j, ok = d.jobs[id] })
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &j, nil
}

func (r *Jobs) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.Job, error) {
	var list []*models.Job
	r.s.read(func(d *data) {
		for _, j := range d.jobs {
			if j.UserID == userID {
				cp := j
				list = append(list, &cp)
			}
		}
	})
	sortNewestFirst(list, func(j *models.Job) time.Time { return j.CreatedAt })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *Jobs) Claim(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (*models.Job, error) {
	var claimed models.Job
	err := r.s.write(ctx, func(d *data) error {
		j, ok := d.jobs[id]
		if !ok {
			return repository.ErrNotFound
		}
		claimable := j.Status == models.JobStatusQueued ||
			(j.Status == models.JobStatusRunning && (j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(now)))
		if !claimable {
			return repository.ErrNotFound
		}
		j.Status = models.JobStatusRunning
		j.LeaseOwner = &owner
		j.LeaseExpiresAt = &until
		j.Attempts++
		j.UpdatedAt = now
		d.jobs[id] = j
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// running applies fn to a RUNNING job leased by owner.
func running(d *data, id uuid.UUID, owner string, fn func(j *models.Job)) error {
	j, ok := d.jobs[id]
	if !ok || j.Status != models.JobStatusRunning || j.LeaseOwner == nil || *j.LeaseOwner != owner {
		return repository.ErrNotFound
	}
	fn(&j)
	d.jobs[id] = j
	return nil
}

func (r *Jobs) ExtendLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) error {
	return r.s.write(ctx, func(d *data) error {
		return running(d, id, owner, func(j *models.Job) { j.LeaseExpiresAt = &until })
	})
}

func (r *Jobs) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	return r.s.write(ctx, func(d *data) error {
		return running(d, id, owner, func(j *models.Job) {
			j.LeaseOwner = nil
			j.LeaseExpiresAt = nil
		})
	})
}

func (r *Jobs) MarkSucceeded(ctx context.Context, id uuid.UUID, owner, outputRef string, now time.Time) error {
	return r.s.write(ctx, func(d *data) error {
		return running(d, id, owner, func(j *models.Job) {
			j.Status = models.JobStatusSucceeded
			j.OutputRef = &outputRef
			j.LeaseOwner = nil
			j.LeaseExpiresAt = nil
			j.UpdatedAt = now
		})
	})
}

func (r *Jobs) MarkFailedTx(_ context.Context, tx pgx.Tx, id uuid.UUID, owner, errText string, now time.Time) error {
	d, err := r.s.txData(tx)
	if err != nil {
		return err
	}
	return running(d, id, owner, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.ErrorText = &errText
		j.LeaseOwner = nil
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
	})
}
