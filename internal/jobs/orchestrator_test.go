package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solidgen/backend/internal/compute"
	"github.com/solidgen/backend/internal/events"
	"github.com/solidgen/backend/internal/ledger"
	"github.com/solidgen/backend/internal/models"
	"github.com/solidgen/backend/internal/repository/memory"
)

// ---------------------------------------------------------------------------
// Fakes for the blob store and compute engine.
// ---------------------------------------------------------------------------

type fakeBlobs struct {
	mu      sync.Mutex
	inputs  map[string][]byte
	outputs map[string]string
	types   map[string]string
	putErr  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		inputs:  map[string][]byte{"s3://in/chair.png": []byte("png-bytes")},
		outputs: make(map[string]string),
		types:   make(map[string]string),
	}
}

func (f *fakeBlobs) Fetch(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.inputs[ref]
	if !ok {
		return nil, fmt.Errorf("object %s not found", ref)
	}
	return data, nil
}

func (f *fakeBlobs) PutFile(_ context.Context, path, key, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f.outputs[key] = string(data)
	f.types[key] = contentType
	return "s3://out/" + key, nil
}

type fakeEngine struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req compute.Request) (string, error)
}

func (f *fakeEngine) Generate(ctx context.Context, req compute.Request) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return writeArtifact()
}

func writeArtifact() (string, error) {
	f, err := os.CreateTemp("", "asset-*.glb")
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = f.WriteString("glb")
	return f.Name(), err
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []events.JobFinished
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := event.(events.JobFinished); ok {
		p.topics = append(p.topics, topic)
		p.events = append(p.events, ev)
	}
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []events.JobFinished {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.JobFinished(nil), p.events...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	store  *memory.Store
	ledger ledger.Service
	blobs  *fakeBlobs
	engine *fakeEngine
	pub    *recordingPublisher
	orch   *Orchestrator
	user   uuid.UUID

	mu        sync.Mutex
	enqueued  []uuid.UUID
	enqueueFn func() error
}

func newHarness(t *testing.T, balance int, cfg Config) *harness {
	t.Helper()
	store := memory.New()
	h := &harness{
		store:  store,
		ledger: ledger.NewService(store, store.Users(), store.Ledger(), nil),
		blobs:  newFakeBlobs(),
		engine: &fakeEngine{},
		pub:    &recordingPublisher{},
		user:   store.SeedUser("buyer@example.com", balance),
	}
	h.build(cfg, store.Jobs(), h.ledger)
	return h
}

// build (re)creates the orchestrator over the given job store and accounting.
func (h *harness) build(cfg Config, jobs JobStore, acct Accounting) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	cfg.WorkerID = "test-worker"
	h.orch = NewOrchestrator(Deps{
		DB:        h.store,
		Jobs:      jobs,
		Ledger:    acct,
		Blobs:     h.blobs,
		Engine:    h.engine,
		Publisher: h.pub,
		Enqueue: func(_ context.Context, _ pgx.Tx, jobID uuid.UUID) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.enqueueFn != nil {
				if err := h.enqueueFn(); err != nil {
					return err
				}
			}
			h.enqueued = append(h.enqueued, jobID)
			return nil
		},
	}, cfg)
}

func (h *harness) submit(t *testing.T, resolution int) *models.Job {
	t.Helper()
	p := models.DefaultJobParams()
	p.Resolution = resolution
	job, err := h.orch.Submit(context.Background(), h.user, "s3://in/chair.png", p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

func (h *harness) job(t *testing.T, id uuid.UUID) models.Job {
	t.Helper()
	j, ok := h.store.Job(id)
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	return j
}

func (h *harness) assertLedger(t *testing.T, charges, refunds int) {
	t.Helper()
	if n := len(h.store.EntriesByReason(h.user, models.ReasonJobCharge)); n != charges {
		t.Errorf("JOB_CHARGE entries: got %d, want %d", n, charges)
	}
	if n := len(h.store.EntriesByReason(h.user, models.ReasonJobRefund)); n != refunds {
		t.Errorf("JOB_REFUND entries: got %d, want %d", n, refunds)
	}
	audit, err := h.ledger.Audit(context.Background(), h.user)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !audit.Consistent() {
		t.Errorf("balance drift: cached %d, ledger %d", audit.CachedBalance, audit.LedgerBalance)
	}
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmitChargesAndQueues(t *testing.T) {
	h := newHarness(t, 10, Config{})
	job := h.submit(t, 1024)

	if job.CostCredits != 3 {
		t.Errorf("cost: got %d, want 3", job.CostCredits)
	}
	if got := h.store.Balance(h.user); got != 7 {
		t.Errorf("balance: got %d, want 7", got)
	}
	stored := h.job(t, job.ID)
	if stored.Status != models.JobStatusQueued {
		t.Errorf("status: got %s, want QUEUED", stored.Status)
	}
	charges := h.store.EntriesByReason(h.user, models.ReasonJobCharge)
	if len(charges) != 1 || charges[0].DeltaCredits != -3 {
		t.Fatalf("expected one JOB_CHARGE of -3, got %+v", charges)
	}
	if len(h.enqueued) != 1 || h.enqueued[0] != job.ID {
		t.Errorf("enqueued: %v", h.enqueued)
	}
	h.assertLedger(t, 1, 0)
}

func TestSubmitInsufficientCredits(t *testing.T) {
	h := newHarness(t, 5, Config{})
	p := models.DefaultJobParams()
	p.Resolution = 1536

	_, err := h.orch.Submit(context.Background(), h.user, "s3://in/chair.png", p)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := h.store.Balance(h.user); got != 5 {
		t.Errorf("balance must stay 5, got %d", got)
	}
	if n := h.store.JobCount(); n != 0 {
		t.Errorf("no job must be created, got %d", n)
	}
	if len(h.enqueued) != 0 {
		t.Errorf("nothing must be enqueued, got %v", h.enqueued)
	}
	h.assertLedger(t, 0, 0)
}

func TestSubmitInvalidParams(t *testing.T) {
	h := newHarness(t, 10, Config{})
	p := models.DefaultJobParams()
	p.TextureSize = 333

	if _, err := h.orch.Submit(context.Background(), h.user, "s3://in/chair.png", p); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	if _, err := h.orch.Submit(context.Background(), h.user, "", models.DefaultJobParams()); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("missing input_ref: expected ErrInvalidParams, got %v", err)
	}
	if got := h.store.Balance(h.user); got != 10 {
		t.Errorf("balance must stay 10, got %d", got)
	}
}

func TestSubmitRollsBackWhenEnqueueFails(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.enqueueFn = func() error { return errors.New("queue unavailable") }

	if _, err := h.orch.Submit(context.Background(), h.user, "s3://in/chair.png", models.DefaultJobParams()); err == nil {
		t.Fatal("expected error")
	}
	if got := h.store.Balance(h.user); got != 10 {
		t.Errorf("balance must stay 10, got %d", got)
	}
	if n := h.store.JobCount(); n != 0 {
		t.Errorf("no job must be created, got %d", n)
	}
	h.assertLedger(t, 0, 0)
}

// ---------------------------------------------------------------------------
// Process
// ---------------------------------------------------------------------------

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t, 10, Config{})
	job := h.submit(t, 1024)

	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultSucceeded {
		t.Fatalf("Process: res=%v err=%v", res, err)
	}
	stored := h.job(t, job.ID)
	if stored.Status != models.JobStatusSucceeded {
		t.Fatalf("status: got %s", stored.Status)
	}
	wantKey := fmt.Sprintf("outputs/%s/%s/asset.glb", h.user, job.ID)
	if stored.OutputRef == nil || *stored.OutputRef != "s3://out/"+wantKey {
		t.Errorf("output_ref: got %v, want s3://out/%s", stored.OutputRef, wantKey)
	}
	if h.blobs.types[wantKey] != OutputContentType {
		t.Errorf("content type: got %q", h.blobs.types[wantKey])
	}
	if stored.LeaseOwner != nil || stored.LeaseExpiresAt != nil {
		t.Error("lease must be cleared on success")
	}
	if got := h.store.Balance(h.user); got != 7 {
		t.Errorf("balance: got %d, want 7", got)
	}
	h.assertLedger(t, 1, 0)
}

func TestProcessComputeFailureRefunds(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.engine.fn = func(context.Context, compute.Request) (string, error) {
		return "", errors.New("CUDA out of memory")
	}
	job := h.submit(t, 1024)

	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultFailed {
		t.Fatalf("Process: res=%v err=%v", res, err)
	}
	stored := h.job(t, job.ID)
	if stored.Status != models.JobStatusFailed {
		t.Fatalf("status: got %s, want FAILED", stored.Status)
	}
	if stored.ErrorText == nil || !strings.Contains(*stored.ErrorText, "CUDA out of memory") {
		t.Errorf("error_text: %v", stored.ErrorText)
	}
	if got := h.store.Balance(h.user); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
	refunds := h.store.EntriesByReason(h.user, models.ReasonJobRefund)
	if len(refunds) != 1 || refunds[0].DeltaCredits != 3 {
		t.Fatalf("expected one JOB_REFUND of +3, got %+v", refunds)
	}
	h.assertLedger(t, 1, 1)
}

func TestProcessPublishesFinishedEvents(t *testing.T) {
	h := newHarness(t, 10, Config{})
	ok := h.submit(t, 1024)
	if _, err := h.orch.Process(context.Background(), ok.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	h.engine.fn = func(context.Context, compute.Request) (string, error) {
		return "", errors.New("engine crashed")
	}
	bad := h.submit(t, 512)
	if _, err := h.orch.Process(context.Background(), bad.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got := h.pub.published()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].JobID != ok.ID || got[0].Status != models.JobStatusSucceeded || got[0].OutputRef == "" || got[0].Refunded {
		t.Errorf("success event: %+v", got[0])
	}
	if got[1].JobID != bad.ID || got[1].Status != models.JobStatusFailed || !got[1].Refunded || got[1].Credits != 1 {
		t.Errorf("failure event: %+v", got[1])
	}
	for _, topic := range h.pub.topics {
		if topic != "jobs.finished" {
			t.Errorf("topic: got %q", topic)
		}
	}
}

func TestPublishFailureDoesNotAffectJob(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.pub.err = errors.New("broker down")
	job := h.submit(t, 1024)

	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultSucceeded {
		t.Fatalf("Process: res=%v err=%v", res, err)
	}
	if got := h.job(t, job.ID).Status; got != models.JobStatusSucceeded {
		t.Errorf("status: got %s", got)
	}
}

func TestProcessStorageFailureRefunds(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.blobs.putErr = errors.New("bucket unavailable")
	job := h.submit(t, 512)

	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultFailed {
		t.Fatalf("Process: res=%v err=%v", res, err)
	}
	stored := h.job(t, job.ID)
	if stored.OutputRef != nil {
		t.Error("failed job must not carry an output_ref")
	}
	if got := h.store.Balance(h.user); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
	h.assertLedger(t, 1, 1)
}

func TestProcessTruncatesErrorText(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.engine.fn = func(context.Context, compute.Request) (string, error) {
		return "", errors.New(strings.Repeat("e", 3*models.MaxErrorTextLen))
	}
	job := h.submit(t, 1024)

	if _, err := h.orch.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	stored := h.job(t, job.ID)
	if n := len([]rune(*stored.ErrorText)); n != models.MaxErrorTextLen {
		t.Errorf("error_text length: got %d, want %d", n, models.MaxErrorTextLen)
	}
}

func TestProcessRedeliveryOfTerminalJob(t *testing.T) {
	for _, fail := range []bool{false, true} {
		t.Run(fmt.Sprintf("failed=%v", fail), func(t *testing.T) {
			h := newHarness(t, 10, Config{})
			if fail {
				h.engine.fn = func(context.Context, compute.Request) (string, error) {
					return "", errors.New("boom")
				}
			}
			job := h.submit(t, 1024)
			if _, err := h.orch.Process(context.Background(), job.ID); err != nil {
				t.Fatalf("first Process: %v", err)
			}
			before := h.job(t, job.ID)
			balance := h.store.Balance(h.user)
			entries := len(h.store.Entries(h.user))

			res, err := h.orch.Process(context.Background(), job.ID)
			if err != nil || res != ResultSkipped {
				t.Fatalf("redelivery: res=%v err=%v", res, err)
			}
			after := h.job(t, job.ID)
			if after.Status != before.Status || after.Attempts != before.Attempts || !after.UpdatedAt.Equal(before.UpdatedAt) {
				t.Errorf("job mutated on redelivery: before %+v after %+v", before, after)
			}
			if got := h.store.Balance(h.user); got != balance {
				t.Errorf("balance changed on redelivery: %d -> %d", balance, got)
			}
			if got := len(h.store.Entries(h.user)); got != entries {
				t.Errorf("ledger changed on redelivery: %d -> %d entries", entries, got)
			}
			if n := h.engine.calls.Load(); n != 1 {
				t.Errorf("engine calls: got %d, want 1", n)
			}
		})
	}
}

func TestProcessUnknownJob(t *testing.T) {
	h := newHarness(t, 10, Config{})
	if _, err := h.orch.Process(context.Background(), uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestProcessDefersWhileLeaseHeld(t *testing.T) {
	h := newHarness(t, 10, Config{})
	job := h.submit(t, 1024)

	owner := "other-worker/1"
	until := time.Now().Add(10 * time.Minute)
	running := h.job(t, job.ID)
	running.Status = models.JobStatusRunning
	running.LeaseOwner = &owner
	running.LeaseExpiresAt = &until
	running.Attempts = 1
	h.store.PutJob(running)

	if _, err := h.orch.Process(context.Background(), job.ID); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	after := h.job(t, job.ID)
	if *after.LeaseOwner != owner || after.Attempts != 1 {
		t.Errorf("job must be untouched: %+v", after)
	}
	if n := h.engine.calls.Load(); n != 0 {
		t.Errorf("engine must not run, got %d calls", n)
	}
}

func TestProcessReclaimsExpiredLease(t *testing.T) {
	h := newHarness(t, 10, Config{})
	job := h.submit(t, 1024)

	owner := "crashed-worker/1"
	expired := time.Now().Add(-time.Minute)
	running := h.job(t, job.ID)
	running.Status = models.JobStatusRunning
	running.LeaseOwner = &owner
	running.LeaseExpiresAt = &expired
	running.Attempts = 1
	h.store.PutJob(running)

	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultSucceeded {
		t.Fatalf("Process: res=%v err=%v", res, err)
	}
	after := h.job(t, job.ID)
	if after.Status != models.JobStatusSucceeded || after.Attempts != 2 {
		t.Errorf("status=%s attempts=%d", after.Status, after.Attempts)
	}
	h.assertLedger(t, 1, 0)
}

func TestProcessInterruptedReleasesLease(t *testing.T) {
	h := newHarness(t, 10, Config{})
	started := make(chan struct{})
	h.engine.fn = func(ctx context.Context, _ compute.Request) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	job := h.submit(t, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Process(ctx, job.ID)
		errCh <- err
	}()
	<-started
	cancel()

	if err := <-errCh; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	stored := h.job(t, job.ID)
	if stored.Status != models.JobStatusRunning || stored.LeaseOwner != nil {
		t.Fatalf("expected RUNNING with released lease, got status=%s owner=%v", stored.Status, stored.LeaseOwner)
	}
	h.assertLedger(t, 1, 0)

	// The redelivered message resumes the job.
	h.engine.fn = nil
	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultSucceeded {
		t.Fatalf("resume: res=%v err=%v", res, err)
	}
	if got := h.job(t, job.ID).Attempts; got != 2 {
		t.Errorf("attempts: got %d, want 2", got)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	h := newHarness(t, 10, Config{LeaseDuration: time.Minute, HeartbeatInterval: 5 * time.Millisecond})
	var first, later time.Time
	var id uuid.UUID
	h.engine.fn = func(ctx context.Context, _ compute.Request) (string, error) {
		j, _ := h.store.Job(id)
		first = *j.LeaseExpiresAt
		time.Sleep(50 * time.Millisecond)
		j, _ = h.store.Job(id)
		later = *j.LeaseExpiresAt
		return writeArtifact()
	}
	job := h.submit(t, 1024)
	id = job.ID

	if _, err := h.orch.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !later.After(first) {
		t.Errorf("lease was not extended: first %v later %v", first, later)
	}
}

func TestHeartbeatDetectsLostLease(t *testing.T) {
	h := newHarness(t, 10, Config{LeaseDuration: time.Minute, HeartbeatInterval: 5 * time.Millisecond})
	started := make(chan struct{})
	h.engine.fn = func(ctx context.Context, _ compute.Request) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	job := h.submit(t, 1024)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Process(context.Background(), job.ID)
		errCh <- err
	}()
	<-started

	// Another worker takes over the job.
	thief := "other-worker/2"
	until := time.Now().Add(time.Hour)
	stolen := h.job(t, job.ID)
	stolen.LeaseOwner = &thief
	stolen.LeaseExpiresAt = &until
	h.store.PutJob(stolen)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not notice the lost lease")
	}
	after := h.job(t, job.ID)
	if after.Status != models.JobStatusRunning || *after.LeaseOwner != thief {
		t.Errorf("new owner's job must be untouched: %+v", after)
	}
	h.assertLedger(t, 1, 0)
}

func TestComputeTimeoutFailsJob(t *testing.T) {
	h := newHarness(t, 10, Config{ComputeTimeout: 20 * time.Millisecond})
	h.engine.fn = func(ctx context.Context, _ compute.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	job := h.submit(t, 1024)

	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultFailed {
		t.Fatalf("Process: res=%v err=%v", res, err)
	}
	if got := h.store.Balance(h.user); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
}

func TestGetHidesOtherUsersJobs(t *testing.T) {
	h := newHarness(t, 10, Config{})
	job := h.submit(t, 512)

	if _, err := h.orch.Get(context.Background(), h.user, job.ID); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	if _, err := h.orch.Get(context.Background(), uuid.New(), job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for another user, got %v", err)
	}
}

func TestPriceTable(t *testing.T) {
	for res, want := range map[int]int{512: 1, 1024: 3, 1536: 8} {
		p := models.DefaultJobParams()
		p.Resolution = res
		got, err := DefaultPriceTable.Cost(p)
		if err != nil || got != want {
			t.Errorf("resolution %d: got %d (%v), want %d", res, got, err, want)
		}
	}
}


// ---------------------------------------------------------------------------
// Ordering and terminal-write edge cases
// ---------------------------------------------------------------------------

// callLog records the order of store and ledger calls made by Submit.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

type loggingJobs struct {
	JobStore
	log *callLog
}

func (j *loggingJobs) CreateTx(ctx context.Context, tx pgx.Tx, job *models.Job) error {
	j.log.add("create_job")
	return j.JobStore.CreateTx(ctx, tx, job)
}

type loggingAccounting struct {
	Accounting
	log *callLog
}

func (a *loggingAccounting) LockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	a.log.add("lock_user")
	return a.Accounting.LockUser(ctx, tx, userID)
}

func (a *loggingAccounting) Charge(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, amount int) error {
	a.log.add("charge")
	return a.Accounting.Charge(ctx, tx, userID, jobID, amount)
}

func TestSubmitLocksUserBeforeInsertingJob(t *testing.T) {
	h := newHarness(t, 10, Config{})
	calls := &callLog{}
	h.build(Config{}, &loggingJobs{JobStore: h.store.Jobs(), log: calls}, &loggingAccounting{Accounting: h.ledger, log: calls})

	h.submit(t, 1024)

	want := []string{"lock_user", "create_job", "charge"}
	if strings.Join(calls.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("call order: got %v, want %v", calls.calls, want)
	}
}

// slowSuccessJobs pauses after MarkSucceeded commits, leaving room for a
// heartbeat tick between the commit and the end of run.
type slowSuccessJobs struct {
	JobStore
	pause time.Duration
}

func (j *slowSuccessJobs) MarkSucceeded(ctx context.Context, id uuid.UUID, owner, outputRef string, now time.Time) error {
	err := j.JobStore.MarkSucceeded(ctx, id, owner, outputRef, now)
	time.Sleep(j.pause)
	return err
}

func TestSuccessIsNotReportedAsLostLease(t *testing.T) {
	h := newHarness(t, 10, Config{})
	cfg := Config{LeaseDuration: time.Minute, HeartbeatInterval: 2 * time.Millisecond}
	h.build(cfg, &slowSuccessJobs{JobStore: h.store.Jobs(), pause: 20 * time.Millisecond}, h.ledger)
	job := h.submit(t, 1024)

	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultSucceeded {
		t.Fatalf("Process: res=%v err=%v", res, err)
	}
	if got := h.job(t, job.ID).Status; got != models.JobStatusSucceeded {
		t.Errorf("status: got %s", got)
	}
	if got := h.pub.published(); len(got) != 1 || got[0].Status != models.JobStatusSucceeded {
		t.Errorf("expected one SUCCEEDED event, got %+v", got)
	}
}

func TestSuccessRecordedWhenShutdownStartsAfterCompute(t *testing.T) {
	h := newHarness(t, 10, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.fn = func(context.Context, compute.Request) (string, error) {
		path, err := writeArtifact()
		cancel()
		return path, err
	}
	job := h.submit(t, 1024)

	res, err := h.orch.Process(ctx, job.ID)
	if err != nil || res != ResultSucceeded {
		t.Fatalf("Process: res=%v err=%v", res, err)
	}
	if got := h.job(t, job.ID).Status; got != models.JobStatusSucceeded {
		t.Errorf("status: got %s", got)
	}
	if got := h.pub.published(); len(got) != 1 {
		t.Errorf("expected one event, got %d", len(got))
	}
	h.assertLedger(t, 1, 0)
}

type flakyRefunds struct {
	Accounting
	mu  sync.Mutex
	err error
}

func (a *flakyRefunds) RefundTx(ctx context.Context, tx pgx.Tx, job *models.Job) (bool, error) {
	a.mu.Lock()
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return false, err
	}
	return a.Accounting.RefundTx(ctx, tx, job)
}

func TestFailureThatCannotCommitReleasesLease(t *testing.T) {
	h := newHarness(t, 10, Config{})
	acct := &flakyRefunds{Accounting: h.ledger, err: errors.New("connection reset")}
	h.build(Config{}, h.store.Jobs(), acct)
	h.engine.fn = func(context.Context, compute.Request) (string, error) {
		return "", errors.New("engine crashed")
	}
	job := h.submit(t, 1024)

	if _, err := h.orch.Process(context.Background(), job.ID); err == nil {
		t.Fatal("expected an error when the failure cannot be recorded")
	}
	stored := h.job(t, job.ID)
	if stored.Status != models.JobStatusRunning || stored.LeaseOwner != nil {
		t.Fatalf("expected RUNNING with released lease, got status=%s owner=%v", stored.Status, stored.LeaseOwner)
	}
	h.assertLedger(t, 1, 0)

	// The redelivery is not deferred behind the old lease.
	acct.mu.Lock()
	acct.err = nil
	acct.mu.Unlock()
	res, err := h.orch.Process(context.Background(), job.ID)
	if err != nil || res != ResultFailed {
		t.Fatalf("redelivery: res=%v err=%v", res, err)
	}
	if got := h.store.Balance(h.user); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
	h.assertLedger(t, 1, 1)
}
