// Package memory is a transactional in-memory implementation of the
// repositories, used by tests. Transactions are serialized store-wide and
// work on a copy of the data that is swapped in on Commit, so a rolled-back
// transaction leaves no trace.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/models"
)

var errForeignTx = errors.New("memory: transaction does not belong to this store")

type eventKey struct {
	provider string
	eventID  string
}

type data struct {
	users    map[uuid.UUID]models.User
	jobs     map[uuid.UUID]models.Job
	ledger   []models.LedgerEntry
	webhooks map[eventKey]models.WebhookEvent
}

func newData() *data {
	return &data{
		users:    make(map[uuid.UUID]models.User),
		jobs:     make(map[uuid.UUID]models.Job),
		webhooks: make(map[eventKey]models.WebhookEvent),
	}
}

func (d *data) clone() *data {
	out := newData()
	for k, v := range d.users {
		out.users[k] = v
	}
	for k, v := range d.jobs {
		out.jobs[k] = v
	}
	out.ledger = append(out.ledger, d.ledger...)
	for k, v := range d.webhooks {
		out.webhooks[k] = v
	}
	return out
}

// Store holds committed data. sem serializes transactions and non-transactional
// writes, which stands in for row locks.
type Store struct {
	sem chan struct{}

	mu   sync.RWMutex
	data *data

	clock func() time.Time
}

func New() *Store {
	return &Store{
		sem:   make(chan struct{}, 1),
		data:  newData(),
		clock: time.Now,
	}
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.sem }

// Begin starts a transaction. It blocks until any other transaction finishes.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()
	return &memTx{store: s, work: work}, nil
}

func (s *Store) read(fn func(d *data)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

// write applies fn to committed data outside any transaction.
func (s *Store) write(ctx context.Context, fn func(d *data) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *Store) txData(tx pgx.Tx) (*data, error) {
	mt, ok := tx.(*memTx)
	if !ok || mt.store != s {
		return nil, errForeignTx
	}
	if mt.done {
		return nil, pgx.ErrTxClosed
	}
	return mt.work, nil
}

func (s *Store) Users() *Users       { return &Users{s: s} }
func (s *Store) Jobs() *Jobs         { return &Jobs{s: s} }
func (s *Store) Ledger() *Ledger     { return &Ledger{s: s} }
func (s *Store) Webhooks() *Webhooks { return &Webhooks{s: s} }

// SeedUser creates a user funded with balance credits. The funding is written
// as a ledger entry so the balance stays derivable from the ledger.
func (s *Store) SeedUser(email string, balance int) uuid.UUID {
	id := uuid.New()
	_ = s.write(context.Background(), func(d *data) error {
		d.users[id] = models.User{ID: id, Email: email, CreditsBalance: balance, CreatedAt: s.clock()}
		if balance != 0 {
			provider, ext := "seed", uuid.NewString()
			d.ledger = append(d.ledger, models.LedgerEntry{
				ID: uuid.New(), UserID: id, DeltaCredits: balance,
				Reason: models.PurchaseReason(provider), Provider: &provider, ExternalID: &ext,
				CreatedAt: s.clock(),
			})
		}
		return nil
	})
	return id
}

// PutJob stores j as-is, bypassing the state machine.
func (s *Store) PutJob(j models.Job) {
	_ = s.write(context.Background(), func(d *data) error {
		d.jobs[j.ID] = j
		return nil
	})
}

// Balance returns the cached balance of a user.
func (s *Store) Balance(id uuid.UUID) int {
	var b int
	s.read(func(d *data) { b = d.users[id].CreditsBalance })
	return b
}

// Job returns a committed job.
func (s *Store) Job(id uuid.UUID) (models.Job, bool) {
	var (
		j  models.Job
		ok bool
	)
	s.read(func(d *data) { j, ok = d.jobs[id] })
	return j, ok
}

// JobCount returns the number of committed jobs.
func (s *Store) JobCount() int {
	var n int
	s.read(func(d *data) { n = len(d.jobs) })
	return n
}

// Entries returns the user's ledger entries in insertion order.
func (s *Store) Entries(userID uuid.UUID) []models.LedgerEntry {
	var out []models.LedgerEntry
	s.read(func(d *data) {
		for _, e := range d.ledger {
			if e.UserID == userID {
				out = append(out, e)
			}
		}
	})
	return out
}

// EntriesByReason returns the user's entries with the given reason.
func (s *Store) EntriesByReason(userID uuid.UUID, reason string) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range s.Entries(userID) {
		if e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

// WebhookEvent returns a committed webhook event.
func (s *Store) WebhookEvent(provider, eventID string) (models.WebhookEvent, bool) {
	var (
		e  models.WebhookEvent
		ok bool
	)
	s.read(func(d *data) { e, ok = d.webhooks[eventKey{provider, eventID}] })
	return e, ok
}

func sortNewestFirst[T any](xs []T, createdAt func(T) time.Time) {
	sort.SliceStable(xs, func(i, j int) bool { return createdAt(xs[i]).After(createdAt(xs[j])) })
}
