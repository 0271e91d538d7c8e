package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/models"
	"github.com/solidgen/backend/internal/repository"
)

type Users struct{ s *Store }

func (r *Users) Create(ctx context.Context, u *models.User) error {
	return r.s.write(ctx, func(d *data) error {
		for _, existing := range d.users {
			if existing.Email == u.Email {
				return repository.ErrDuplicate
			}
		}
		if _, ok := d.users[u.ID]; ok {
			return repository.ErrDuplicate
		}
		u.CreditsBalance = 0
		u.CreatedAt = r.s.clock()
		d.users[u.ID] = *u
		return nil
	})
}

func (r *Users) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	var (
		u  models.User
		ok bool
	)
	r.s.read(func(d *data) { u, ok = d.users[id] })
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *Users) GetByEmail(_ context.Context, email string) (*models.User, error) {
	var found *models.User
	r.s.read(func(d *data) {
		for _, u := range d.users {
			if u.Email == email {
				cp := u
				found = &cp
				return
			}
		}
	})
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *Users) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	d, err := r.s.txData(tx)
	if err != nil {
		return nil, err
	}
	u, ok := d.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *Users) AddCreditsTx(_ context.Context, tx pgx.Tx, id uuid.UUID, delta int) (int, error) {
	d, err := r.s.txData(tx)
	if err != nil {
		return 0, err
	}
	u, ok := d.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if u.CreditsBalance+delta < 0 {
		return 0, repository.ErrConstraint
	}
	u.CreditsBalance += delta
	d.users[id] = u
	return u.CreditsBalance, nil
}
