// Package consumer turns one queue delivery into an ack or nack decision.
// Transport adapters (the River worker) map the Outcome onto their own
// acknowledgement mechanism.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/solidgen/backend/internal/jobs"
	"github.com/solidgen/backend/internal/lock"
)

type Outcome int

const (
	// Ack drops the message: it was handled or can never be handled.
	Ack Outcome = iota
	// Nack asks the broker to redeliver later.
	Nack
)

func (o Outcome) String() string {
	if o == Nack {
		return "nack"
	}
	return "ack"
}

// Message is the queue payload.
type Message struct {
	JobID string `json:"job_id"`
}

// Processor drives a job through its state machine.
type Processor interface {
	Process(ctx context.Context, jobID uuid.UUID) (jobs.Result, error)
}

type Consumer struct {
	proc   Processor
	locker lock.Locker
	log    *slog.Logger
}

func New(proc Processor, locker lock.Locker, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{proc: proc, locker: locker, log: log}
}

// Handle processes one raw message body.
func (c *Consumer) Handle(ctx context.Context, body []byte) Outcome {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.log.Warn("dropping malformed message", "error", err)
		return Ack
	}
	jobID, err := uuid.Parse(msg.JobID)
	if err != nil || jobID == uuid.Nil {
		c.log.Warn("dropping message with invalid job id", "job_id", msg.JobID)
		return Ack
	}
	return c.HandleJob(ctx, jobID)
}

// HandleJob runs the lock and process steps for an already parsed job id.
func (c *Consumer) HandleJob(ctx context.Context, jobID uuid.UUID) Outcome {
	if ctx.Err() != nil {
		return Nack
	}

	l, err := c.locker.TryLock(ctx, lock.JobKey(jobID.String()))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			c.log.Info("job locked elsewhere, deferring", "job_id", jobID)
		} else {
			c.log.Warn("acquire job lock failed", "job_id", jobID, "error", err)
		}
		return Nack
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			c.log.Warn("release job lock failed", "job_id", jobID, "error", err)
		}
	}()

	res, err := c.proc.Process(ctx, jobID)
	switch {
	case err == nil:
		c.log.Info("job message handled", "job_id", jobID, "result", res.String())
		return Ack
	case errors.Is(err, jobs.ErrJobNotFound):
		c.log.Warn("job not found, dropping message", "job_id", jobID)
		return Ack
	case errors.Is(err, jobs.ErrLeaseLost):
		// The new lease holder owns the outcome.
		return Ack
	case errors.Is(err, jobs.ErrLeaseHeld):
		c.log.Info("job lease held, deferring", "job_id", jobID)
		return Nack
	case errors.Is(err, jobs.ErrInterrupted):
		return Nack
	default:
		c.log.Error("job processing failed before completion", "job_id", jobID, "error", err)
		return Nack
	}
}
