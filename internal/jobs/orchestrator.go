// Package jobs owns the job state machine: QUEUED -> RUNNING -> SUCCEEDED or
// FAILED. Submission charges and enqueues in one transaction; processing
// claims a lease, runs the compute engine and records a terminal state, with
// the refund committed together with FAILED.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/compute"
	"github.com/solidgen/backend/internal/events"
	"github.com/solidgen/backend/internal/models"
	"github.com/solidgen/backend/internal/repository"
)

const (
	OutputContentType = "model/gltf-binary"
	outputFileName    = "asset.glb"
	listLimit         = 100

	terminalWriteTimeout = 10 * time.Second
)

var (
	ErrInvalidParams = models.ErrInvalidParams
	// ErrJobNotFound: the job does not exist (or is not the caller's).
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseHeld: another worker holds a live lease on the job.
	ErrLeaseHeld = errors.New("job lease held by another worker")
	// ErrLeaseLost: the lease expired and another worker claimed the job mid-run.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrInterrupted: processing stopped because ctx was canceled; the lease
	// was released so a redelivery can resume the job.
	ErrInterrupted = errors.New("job processing interrupted")
)

// Result is the outcome of a successful Process call.
type Result int

const (
	ResultSkipped Result = iota
	ResultSucceeded
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type JobStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Job, error)
	Claim(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (*models.Job, error)
	ExtendLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) error
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, owner, outputRef string, now time.Time) error
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, owner, errText string, now time.Time) error
}

// Accounting is the part of the ledger service the orchestrator drives.
type Accounting interface {
	LockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	Charge(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, amount int) error
	RefundTx(ctx context.Context, tx pgx.Tx, job *models.Job) (bool, error)
}

// BlobStore reads job inputs and stores outputs.
type BlobStore interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
	PutFile(ctx context.Context, path, key, contentType string) (string, error)
}

// EnqueueTxFunc enqueues the processing message for jobID within tx. Provided
// by main as a closure over river.Client.InsertTx.
type EnqueueTxFunc func(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error

type Config struct {
	// WorkerID prefixes lease owner tokens, e.g. the hostname.
	WorkerID          string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	// ComputeTimeout bounds one engine call; zero leaves it unbounded.
	ComputeTimeout time.Duration
	ModelID        string
	OutputPrefix   string
	JobEventsTopic string
	Prices         PriceTable
	Now            func() time.Time
}

func (c *Config) setDefaults() {
	if c.WorkerID == "" {
		c.WorkerID, _ = os.Hostname()
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.ModelID == "" {
		c.ModelID = compute.DefaultModelID
	}
	if c.OutputPrefix == "" {
		c.OutputPrefix = "outputs"
	}
	if c.JobEventsTopic == "" {
		c.JobEventsTopic = "jobs.finished"
	}
	if c.Prices == nil {
		c.Prices = DefaultPriceTable
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Orchestrator struct {
	db        TxBeginner
	jobs      JobStore
	ledger    Accounting
	blobs     BlobStore
	engine    compute.Engine
	enqueue   EnqueueTxFunc
	publisher events.Publisher
	cfg       Config
	log       *slog.Logger
}

type Deps struct {
	DB        TxBeginner
	Jobs      JobStore
	Ledger    Accounting
	Blobs     BlobStore
	Engine    compute.Engine
	Enqueue   EnqueueTxFunc
	Publisher events.Publisher
	Log       *slog.Logger
}

func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	cfg.setDefaults()
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Publisher == nil {
		d.Publisher = events.Noop{}
	}
	return &Orchestrator{
		db:        d.DB,
		jobs:      d.Jobs,
		ledger:    d.Ledger,
		blobs:     d.Blobs,
		engine:    d.Engine,
		enqueue:   d.Enqueue,
		publisher: d.Publisher,
		cfg:       cfg,
		log:       d.Log,
	}
}

// Submit validates params, then inserts the job, charges its cost and
// enqueues it in one transaction. The user row is locked before the job
// insert. On ledger.ErrInsufficientCredits nothing is written.
func (o *Orchestrator) Submit(ctx context.Context, userID uuid.UUID, inputRef string, params models.JobParams) (*models.Job, error) {
	if inputRef == "" {
		return nil, fmt.Errorf("%w: input_ref is required", ErrInvalidParams)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	cost, err := o.cfg.Prices.Cost(params)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:          uuid.New(),
		UserID:      userID,
		Status:      models.JobStatusQueued,
		InputRef:    inputRef,
		Params:      params,
		CostCredits: cost,
	}

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := o.ledger.LockUser(ctx, tx, userID); err != nil {
		return nil, err
	}
	if err := o.jobs.CreateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if err := o.ledger.Charge(ctx, tx, userID, job.ID, cost); err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, tx, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.log.Info("job submitted", "job_id", job.ID, "user_id", userID, "cost_credits", cost)
	return job, nil
}

// Get returns the user's job. Jobs of other users are reported as not found.
func (o *Orchestrator) Get(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (o *Orchestrator) List(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	return o.jobs.ListByUser(ctx, userID, listLimit)
}

// Process drives one delivery of jobID. Errors returned before the RUNNING
// claim commits leave the job untouched; after it, failures become FAILED
// with a refund and Process returns ResultFailed with a nil error.
func (o *Orchestrator) Process(ctx context.Context, jobID uuid.UUID) (Result, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return ResultSkipped, ErrJobNotFound
	}
	if err != nil {
		return ResultSkipped, fmt.Errorf("load job: %w", err)
	}
	if job.IsTerminal() {
		o.log.Info("job already terminal, skipping", "job_id", jobID, "status", job.Status)
		return ResultSkipped, nil
	}
	now := o.cfg.Now()
	if job.LeaseActive(now) {
		return ResultSkipped, ErrLeaseHeld
	}
	if job.Status == models.JobStatusRunning {
		o.log.Warn("reclaiming job with expired lease", "job_id", jobID, "previous_owner", deref(job.LeaseOwner), "attempts", job.Attempts)
	}

	owner := o.cfg.WorkerID + "/" + uuid.NewString()
	claimed, err := o.jobs.Claim(ctx, jobID, owner, now, now.Add(o.cfg.LeaseDuration))
	if errors.Is(err, repository.ErrNotFound) {
		// Another worker claimed it between the read and the update.
		return ResultSkipped, ErrLeaseHeld
	}
	if err != nil {
		return ResultSkipped, fmt.Errorf("claim job: %w", err)
	}
	o.log.Info("job running", "job_id", jobID, "attempt", claimed.Attempts)

	return o.run(ctx, claimed, owner)
}

func (o *Orchestrator) run(ctx context.Context, job *models.Job, owner string) (Result, error) {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var lost atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.heartbeat(workCtx, job.ID, owner, cancelWork, &lost)
	}()

	outputRef, runErr := o.execute(workCtx, job)
	// The heartbeat must be stopped before the terminal write, otherwise a
	// tick after the commit finds the job no longer RUNNING.
	cancelWork()
	wg.Wait()

	if lost.Load() {
		o.log.Warn("job lease lost", "job_id", job.ID)
		return ResultSkipped, ErrLeaseLost
	}
	if runErr == nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
		err := o.jobs.MarkSucceeded(wctx, job.ID, owner, outputRef, o.cfg.Now())
		cancel()
		switch {
		case err == nil:
			o.log.Info("job succeeded", "job_id", job.ID, "output_ref", outputRef)
			o.publish(ctx, events.JobFinished{
				JobID: job.ID, UserID: job.UserID, Status: models.JobStatusSucceeded,
				OutputRef: outputRef, Credits: job.CostCredits, FinishedAt: o.cfg.Now(),
			})
			return ResultSucceeded, nil
		case errors.Is(err, repository.ErrNotFound):
			o.log.Warn("job lease lost before success was recorded", "job_id", job.ID)
			return ResultSkipped, ErrLeaseLost
		}
		runErr = fmt.Errorf("record success: %w", err)
	}
	if ctx.Err() != nil {
		o.releaseLease(ctx, job.ID, owner)
		o.log.Warn("job interrupted", "job_id", job.ID, "error", ctx.Err())
		return ResultSkipped, ErrInterrupted
	}

	return o.fail(ctx, job, owner, runErr)
}

// execute fetches the input, runs the engine and stores the artifact.
func (o *Orchestrator) execute(ctx context.Context, job *models.Job) (string, error) {
	image, err := o.blobs.Fetch(ctx, job.InputRef)
	if err != nil {
		return "", fmt.Errorf("fetch input: %w", err)
	}

	computeCtx := ctx
	if o.cfg.ComputeTimeout > 0 {
		var cancel context.CancelFunc
		computeCtx, cancel = context.WithTimeout(ctx, o.cfg.ComputeTimeout)
		defer cancel()
	}
	artifact, err := o.engine.Generate(computeCtx, compute.Request{
		Image:   image,
		Params:  job.Params,
		ModelID: o.cfg.ModelID,
	})
	if err != nil {
		return "", fmt.Errorf("compute: %w", err)
	}
	defer os.Remove(artifact)

	key := path.Join(o.cfg.OutputPrefix, job.UserID.String(), job.ID.String(), outputFileName)
	ref, err := o.blobs.PutFile(ctx, artifact, key, OutputContentType)
	if err != nil {
		return "", fmt.Errorf("store output: %w", err)
	}
	return ref, nil
}

// fail records FAILED and the refund in one transaction. If that transaction
// cannot commit, the lease is released so a redelivery can retry at once.
func (o *Orchestrator) fail(ctx context.Context, job *models.Job, owner string, cause error) (Result, error) {
	errText := models.TruncateErrorText(cause.Error())
	o.log.Error("job failed", "job_id", job.ID, "error", cause)

	refunded, err := o.recordFailure(ctx, job, owner, errText)
	if errors.Is(err, ErrLeaseLost) {
		o.log.Warn("job lease lost before failure was recorded", "job_id", job.ID)
		return ResultSkipped, ErrLeaseLost
	}
	if err != nil {
		o.releaseLease(ctx, job.ID, owner)
		return ResultSkipped, fmt.Errorf("record failure: %w", err)
	}
	if refunded {
		o.log.Info("job refunded", "job_id", job.ID, "user_id", job.UserID, "credits", job.CostCredits)
	}
	o.publish(ctx, events.JobFinished{
		JobID: job.ID, UserID: job.UserID, Status: models.JobStatusFailed,
		Error: errText, Refunded: refunded, Credits: job.CostCredits, FinishedAt: o.cfg.Now(),
	})
	return ResultFailed, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, job *models.Job, owner, errText string) (bool, error) {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if err := o.jobs.MarkFailedTx(ctx, tx, job.ID, owner, errText, o.cfg.Now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrLeaseLost
		}
		return false, err
	}
	refunded, err := o.ledger.RefundTx(ctx, tx, job)
	if err != nil {
		return false, fmt.Errorf("refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return refunded, nil
}

// heartbeat extends the lease until ctx ends. If the lease is gone it marks
// lost and cancels the work.
func (o *Orchestrator) heartbeat(ctx context.Context, jobID uuid.UUID, owner string, cancel context.CancelFunc, lost *atomic.Bool) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := o.jobs.ExtendLease(ctx, jobID, owner, o.cfg.Now().Add(o.cfg.LeaseDuration))
			switch {
			case errors.Is(err, repository.ErrNotFound):
				lost.Store(true)
				cancel()
				return
			case err != nil && ctx.Err() == nil:
				o.log.Warn("lease heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) releaseLease(ctx context.Context, jobID uuid.UUID, owner string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.jobs.ReleaseLease(rctx, jobID, owner); err != nil && !errors.Is(err, repository.ErrNotFound) {
		o.log.Warn("release lease failed", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.JobFinished) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.publisher.Publish(pctx, o.cfg.JobEventsTopic, ev.JobID.String(), ev); err != nil {
		o.log.Warn("publish job event failed", "job_id", ev.JobID, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
