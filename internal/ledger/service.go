// Package ledger is the only writer of user balances and the credit_ledger.
// Every operation locks the user row, appends the ledger entry and moves the
// cached balance inside one transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/models"
	"github.com/solidgen/backend/internal/repository"
)

var (
	// ErrInsufficientCredits is returned when a charge exceeds the user's balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAlreadyCharged is returned when a JOB_CHARGE entry exists for the job.
	ErrAlreadyCharged = errors.New("job already charged")
	ErrUserNotFound   = errors.New("user not found")
	ErrInvalidAmount  = errors.New("amount must be positive")
)

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UserStore is the slice of the user repository the ledger needs.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	AddCreditsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (int, error)
}

// EntryStore is the append-only ledger table.
type EntryStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (bool, error)
	ExistsForJobTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, reason string) (bool, error)
	ExistsForExternalTx(ctx context.Context, tx pgx.Tx, provider, externalID string) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	SumByUser(ctx context.Context, userID uuid.UUID) (int, error)
}

// PurchaseRequest credits a user for an external payment identified by
// (Provider, ExternalID).
type PurchaseRequest struct {
	Provider   string
	ExternalID string
	UserID     uuid.UUID
	Credits    int
}

// Audit compares the cached balance with the ledger sum.
type Audit struct {
	UserID        uuid.UUID `json:"user_id"`
	CachedBalance int       `json:"cached_balance"`
	LedgerBalance int       `json:"ledger_balance"`
}

func (a Audit) Consistent() bool { return a.CachedBalance == a.LedgerBalance }

type Service interface {
	LockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	Charge(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, amount int) error
	RefundTx(ctx context.Context, tx pgx.Tx, job *models.Job) (bool, error)
	Refund(ctx context.Context, job *models.Job) (bool, error)
	Purchase(ctx context.Context, tx pgx.Tx, req PurchaseRequest) (bool, error)
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	Entries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	Audit(ctx context.Context, userID uuid.UUID) (Audit, error)
}

type service struct {
	db      TxBeginner
	users   UserStore
	entries EntryStore
	log     *slog.Logger
}

func NewService(db TxBeginner, users UserStore, entries EntryStore, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{db: db, users: users, entries: entries, log: log}
}

var _ Service = (*service)(nil)

func (s *service) lockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.User, error) {
	u, err := s.users.GetByIDForUpdate(ctx, tx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return u, nil
}

// LockUser takes the user row lock inside the caller's transaction. Callers
// that write rows referencing the user before Charge must call it first: the
// foreign key check holds FOR KEY SHARE on the user row, and two transactions
// holding it would deadlock on the later FOR UPDATE.
func (s *service) LockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := s.lockUser(ctx, tx, userID)
	return err
}

// Charge debits amount for jobID inside the caller's transaction. The caller
// inserts the job row in the same transaction and rolls back on any error.
func (s *service) Charge(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, amount int) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	u, err := s.lockUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	if u.CreditsBalance < amount {
		return ErrInsufficientCredits
	}
	inserted, err := s.entries.InsertTx(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		JobID:        &jobID,
		DeltaCredits: -amount,
		Reason:       models.ReasonJobCharge,
	})
	if err != nil {
		return fmt.Errorf("insert charge entry: %w", err)
	}
	if !inserted {
		return ErrAlreadyCharged
	}
	if _, err := s.users.AddCreditsTx(ctx, tx, userID, -amount); err != nil {
		if errors.Is(err, repository.ErrConstraint) {
			return ErrInsufficientCredits
		}
		return fmt.Errorf("debit balance: %w", err)
	}
	return nil
}

// RefundTx returns the job's cost inside the caller's transaction. It reports
// false when there is nothing to refund or the refund already exists.
func (s *service) RefundTx(ctx context.Context, tx pgx.Tx, job *models.Job) (bool, error) {
	if job.CostCredits <= 0 {
		return false, nil
	}
	if _, err := s.lockUser(ctx, tx, job.UserID); err != nil {
		return false, err
	}
	exists, err := s.entries.ExistsForJobTx(ctx, tx, job.ID, models.ReasonJobRefund)
	if err != nil {
		return false, fmt.Errorf("check refund: %w", err)
	}
	if exists {
		return false, nil
	}
	jobID := job.ID
	inserted, err := s.entries.InsertTx(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       job.UserID,
		JobID:        &jobID,
		DeltaCredits: job.CostCredits,
		Reason:       models.ReasonJobRefund,
	})
	if err != nil {
		return false, fmt.Errorf("insert refund entry: %w", err)
	}
	if !inserted {
		return false, nil
	}
	if _, err := s.users.AddCreditsTx(ctx, tx, job.UserID, job.CostCredits); err != nil {
		return false, fmt.Errorf("credit balance: %w", err)
	}
	return true, nil
}

// Refund runs RefundTx in its own transaction.
func (s *service) Refund(ctx context.Context, job *models.Job) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	refunded, err := s.RefundTx(ctx, tx, job)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	if refunded {
		s.log.Info("job refunded", "job_id", job.ID, "user_id", job.UserID, "credits", job.CostCredits)
	}
	return refunded, nil
}

// Purchase credits req.UserID inside the caller's transaction. The
// (provider, external_id) check runs after the user row lock so concurrent
// deliveries of the same payment serialize on it. Returns false when the
// payment was already applied.
func (s *service) Purchase(ctx context.Context, tx pgx.Tx, req PurchaseRequest) (bool, error) {
	if req.Credits <= 0 {
		return false, ErrInvalidAmount
	}
	if req.Provider == "" || req.ExternalID == "" {
		return false, errors.New("purchase requires provider and external id")
	}
	if _, err := s.lockUser(ctx, tx, req.UserID); err != nil {
		return false, err
	}
	exists, err := s.entries.ExistsForExternalTx(ctx, tx, req.Provider, req.ExternalID)
	if err != nil {
		return false, fmt.Errorf("check purchase: %w", err)
	}
	if exists {
		return false, nil
	}
	provider, externalID := req.Provider, req.ExternalID
	inserted, err := s.entries.InsertTx(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       req.UserID,
		DeltaCredits: req.Credits,
		Reason:       models.PurchaseReason(req.Provider),
		Provider:     &provider,
		ExternalID:   &externalID,
	})
	if err != nil {
		return false, fmt.Errorf("insert purchase entry: %w", err)
	}
	if !inserted {
		return false, nil
	}
	if _, err := s.users.AddCreditsTx(ctx, tx, req.UserID, req.Credits); err != nil {
		return false, fmt.Errorf("credit balance: %w", err)
	}
	return true, nil
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return u.CreditsBalance, nil
}

func (s *service) Entries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	return s.entries.ListByUser(ctx, userID, limit)
}

func (s *service) Audit(ctx context.Context, userID uuid.UUID) (Audit, error) {
	cached, err := s.Balance(ctx, userID)
	if err != nil {
		return Audit{}, err
	}
	sum, err := s.entries.SumByUser(ctx, userID)
	if err != nil {
		return Audit{}, err
	}
	a := Audit{UserID: userID, CachedBalance: cached, LedgerBalance: sum}
	if !a.Consistent() {
		s.log.Error("balance drift", "user_id", userID, "cached", cached, "ledger", sum)
	}
	return a, nil
}
