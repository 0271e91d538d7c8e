// Package execution is the River transport for job messages.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/solidgen/backend/internal/consumer"
)

const (
	Queue             = "jobs"
	DefaultDeferDelay = 30 * time.Second
)

// ProcessJobArgs is the queue message: {"job_id": "<uuid>"}.
type ProcessJobArgs struct {
	JobID string `json:"job_id"`
}

func (ProcessJobArgs) Kind() string { return "process_job" }

func (ProcessJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: Queue}
}

// Handler decides ack or nack for a raw message body.
type Handler interface {
	Handle(ctx context.Context, body []byte) consumer.Outcome
}

type ProcessJobWorker struct {
	river.WorkerDefaults[ProcessJobArgs]
	handler    Handler
	deferDelay time.Duration
}

func NewProcessJobWorker(h Handler, deferDelay time.Duration) *ProcessJobWorker {
	if deferDelay <= 0 {
		deferDelay = DefaultDeferDelay
	}
	return &ProcessJobWorker{handler: h, deferDelay: deferDelay}
}

// Timeout disables River's work timeout; the compute call is unbounded.
func (w *ProcessJobWorker) Timeout(*river.Job[ProcessJobArgs]) time.Duration { return -1 }

func (w *ProcessJobWorker) Work(ctx context.Context, job *river.Job[ProcessJobArgs]) error {
	if w.handler.Handle(ctx, job.EncodedArgs) == consumer.Nack {
		return river.JobSnooze(w.deferDelay)
	}
	return nil
}

// NewEnqueueTxFunc returns a jobs.EnqueueTxFunc backed by client.InsertTx.
func NewEnqueueTxFunc(client *river.Client[pgx.Tx], maxAttempts int) func(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
	return func(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
		var opts *river.InsertOpts
		if maxAttempts > 0 {
			opts = &river.InsertOpts{Queue: Queue, MaxAttempts: maxAttempts}
		}
		_, err := client.InsertTx(ctx, tx, ProcessJobArgs{JobID: jobID.String()}, opts)
		return err
	}
}
