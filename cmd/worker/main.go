package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"golang.org/x/sync/errgroup"

	"github.com/solidgen/backend/internal/blob"
	"github.com/solidgen/backend/internal/compute"
	"github.com/solidgen/backend/internal/config"
	"github.com/solidgen/backend/internal/consumer"
	"github.com/solidgen/backend/internal/database"
	"github.com/solidgen/backend/internal/events"
	"github.com/solidgen/backend/internal/events/kafka"
	"github.com/solidgen/backend/internal/execution"
	"github.com/solidgen/backend/internal/jobs"
	"github.com/solidgen/backend/internal/ledger"
	"github.com/solidgen/backend/internal/lock"
	"github.com/solidgen/backend/internal/repository"
	"github.com/solidgen/backend/pkg/logger"
)

const hardStopTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel).With("worker_id", cfg.WorkerID)
	slog.SetDefault(log)

	if err := cfg.Validate(config.RoleWorker); err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
	if err != nil {
		log.Error("Cannot reach PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.SchemaBootstrap {
		if err := database.Migrate(ctx, pool); err != nil {
			log.Error("Database migration failed", "error", err)
			os.Exit(1)
		}
	}

	locker, closeLocker, err := newLocker(ctx, cfg, pool)
	if err != nil {
		log.Error("Lock backend unavailable", "backend", cfg.LockBackend, "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	blobs, err := blob.NewS3Store(blob.Config{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		Bucket:       cfg.S3Bucket,
		UsePathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		log.Error("Failed to create S3 client", "error", err)
		os.Exit(1)
	}

	engine := compute.NewClient(compute.Config{
		BaseURL:      cfg.ComputeBaseURL,
		APIKey:       cfg.ComputeAPIKey,
		PollInterval: cfg.ComputePollInterval,
	}, log)

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers)
	}
	defer publisher.Close()

	userRepo := repository.NewUserRepo(pool)
	ledgerSvc := ledger.NewService(pool, userRepo, repository.NewLedgerRepo(pool), log)

	// The worker never submits jobs, so Enqueue is left unset.
	orchestrator := jobs.NewOrchestrator(jobs.Deps{
		DB:        pool,
		Jobs:      repository.NewJobRepo(pool),
		Ledger:    ledgerSvc,
		Blobs:     blobs,
		Engine:    engine,
		Publisher: publisher,
		Log:       log,
	}, jobs.Config{
		WorkerID:          cfg.WorkerID,
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.LeaseHeartbeat,
		ComputeTimeout:    cfg.ComputeTimeout,
		ModelID:           cfg.ComputeModelID,
		OutputPrefix:      cfg.S3OutputPrefix,
		JobEventsTopic:    cfg.KafkaJobEventsTopic,
	})

	handler := consumer.New(orchestrator, locker, log)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewProcessJobWorker(handler, cfg.DeferDelay))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			execution.Queue: {MaxWorkers: cfg.WorkerConcurrency},
		},
		Workers: workers,
		// Compute runs unbounded; leases, not River, detect dead workers.
		RescueStuckJobsAfter: 2 * cfg.LeaseDuration,
		Logger:               log,
	})
	if err != nil {
		log.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// Start gets its own context so shutdown goes through Stop and StopAndCancel.
	if err := riverClient.Start(context.WithoutCancel(ctx)); err != nil {
		log.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}
	log.Info("Worker started", "queue", execution.Queue, "concurrency", cfg.WorkerConcurrency, "lock_backend", cfg.LockBackend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(riverClient, cfg.ShutdownGrace, log)
	})
	if err := g.Wait(); err != nil {
		log.Error("Worker shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("Worker stopped")
}

// shutdown stops fetching, lets in-flight jobs finish within grace, then
// cancels them. Cancelled jobs release their lease and are snoozed for
// redelivery.
func shutdown(client *river.Client[pgx.Tx], grace time.Duration, log *slog.Logger) error {
	log.Info("Shutdown signal received, draining in-flight jobs", "grace", grace)
	softCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := client.Stop(softCtx); err == nil {
		return nil
	}

	log.Warn("Grace period elapsed, cancelling in-flight jobs")
	hardCtx, cancelHard := context.WithTimeout(context.Background(), hardStopTimeout)
	defer cancelHard()
	return client.StopAndCancel(hardCtx)
}

func newLocker(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (lock.Locker, func(), error) {
	if cfg.LockBackend != config.LockBackendRedis {
		return lock.NewPostgresLocker(pool), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return lock.NewRedisLocker(client, cfg.LockTTL), func() { client.Close() }, nil
}
