package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"
	"github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/errgroup"

	"github.com/solidgen/backend/internal/account"
	"github.com/solidgen/backend/internal/auth"
	"github.com/solidgen/backend/internal/billing"
	"github.com/solidgen/backend/internal/config"
	"github.com/solidgen/backend/internal/database"
	"github.com/solidgen/backend/internal/events"
	"github.com/solidgen/backend/internal/events/kafka"
	"github.com/solidgen/backend/internal/execution"
	"github.com/solidgen/backend/internal/jobs"
	"github.com/solidgen/backend/internal/ledger"
	"github.com/solidgen/backend/internal/repository"
	"github.com/solidgen/backend/internal/router"
	"github.com/solidgen/backend/internal/webhook"
	"github.com/solidgen/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := cfg.Validate(config.RoleAPI); err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
	if err != nil {
		log.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("Connected to PostgreSQL database successfully!")

	if cfg.SchemaBootstrap {
		if err := database.Migrate(ctx, pool); err != nil {
			log.Error("Database migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("River migrations and schema applied")
	}

	// Insert-only River client: no queues or workers, the worker process consumes.
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		log.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers)
		log.Info("Publishing events to Kafka", "brokers", cfg.KafkaBrokers)
	}
	defer publisher.Close()

	userRepo := repository.NewUserRepo(pool)
	jobRepo := repository.NewJobRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	webhookRepo := repository.NewWebhookEventRepo(pool)

	ledgerSvc := ledger.NewService(pool, userRepo, ledgerRepo, log)
	authSvc := auth.NewService(userRepo, auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, TokenTTL: cfg.JWTTTL})

	orchestrator := jobs.NewOrchestrator(jobs.Deps{
		DB:        pool,
		Jobs:      jobRepo,
		Ledger:    ledgerSvc,
		Enqueue:   execution.NewEnqueueTxFunc(riverClient, cfg.QueueMaxAttempts),
		Publisher: publisher,
		Log:       log,
	}, jobs.Config{
		WorkerID:       cfg.WorkerID,
		OutputPrefix:   cfg.S3OutputPrefix,
		JobEventsTopic: cfg.KafkaJobEventsTopic,
	})
	validator, err := jobs.NewValidator()
	if err != nil {
		log.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	ingestor := webhook.NewIngestor(pool, webhookRepo, ledgerSvc, []webhook.Provider{
		webhook.NewStripeProvider(cfg.StripeWebhookSecret),
		webhook.NewNOWPaymentsProvider(cfg.NOWPaymentsIPNSecret),
	}, webhook.IngestorConfig{
		CreditEventsTopic: cfg.KafkaCreditEventsTopic,
		Publisher:         publisher,
		Log:               log,
	})

	var stripeCheckout *billing.StripeCheckout
	if cfg.StripeSecretKey != "" {
		stripeCheckout = billing.NewStripeCheckout(cfg.StripeSecretKey, stripe.GetBackend(stripe.APIBackend))
	}
	var nowpaymentsClient *billing.NOWPaymentsClient
	if cfg.NOWPaymentsAPIKey != "" {
		nowpaymentsClient = billing.NewNOWPaymentsClient(billing.NOWPaymentsConfig{
			BaseURL: cfg.NOWPaymentsAPIURL,
			APIKey:  cfg.NOWPaymentsAPIKey,
		})
	}
	billingSvc := billing.NewService(stripeCheckout, nowpaymentsClient, billing.Config{
		CreditPriceCents: int64(cfg.CreditPriceCents),
		SuccessURL:       cfg.BillingSuccessURL,
		CancelURL:        cfg.BillingCancelURL,
	}, log)
	if cfg.DevMode {
		log.Warn("DEV_MODE is enabled; do not run this configuration in production")
	}

	apiRouter := router.New(router.Handlers{
		Auth:     auth.NewHandler(authSvc, log),
		Jobs:     jobs.NewHandler(orchestrator, validator, log),
		Account:  account.NewHandler(authSvc, ledgerSvc, log),
		Billing:  billing.NewHandler(billingSvc, cfg.NOWPaymentsIPNCallbackURL, log),
		Webhooks: webhook.NewHandler(ingestor, log),
		Tokens:   authSvc,
		DB:       pool,
		Log:      log,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		log.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
