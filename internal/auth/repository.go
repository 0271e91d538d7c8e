package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/solidgen/backend/internal/models"
)

// Repository is the user store auth reads and writes. repository.UserRepo
// and the in-memory store implement it.
type Repository interface {
	Create(ctx context.Context, u *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
