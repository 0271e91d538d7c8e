// Package events publishes domain events after state changes commit.
// Publishing is best effort and never feeds back into job or ledger state.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Publisher sends an event to a topic. key orders events of one entity.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
	Close() error
}

// JobFinished is emitted when a job reaches SUCCEEDED or FAILED.
type JobFinished struct {
	JobID      uuid.UUID `json:"job_id"`
	UserID     uuid.UUID `json:"user_id"`
	Status     string    `json:"status"`
	OutputRef  string    `json:"output_ref,omitempty"`
	Error      string    `json:"error,omitempty"`
	Refunded   bool      `json:"refunded"`
	Credits    int       `json:"cost_credits"`
	FinishedAt time.Time `json:"finished_at"`
}

// CreditsPurchased is emitted when a payment is credited.
type CreditsPurchased struct {
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	UserID     uuid.UUID `json:"user_id"`
	Credits    int       `json:"credits"`
	At         time.Time `json:"at"`
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, string, string, any) error { return nil }
func (Noop) Close() error                                        { return nil }
