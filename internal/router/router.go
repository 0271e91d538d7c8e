package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/solidgen/backend/internal/account"
	"github.com/solidgen/backend/internal/auth"
	"github.com/solidgen/backend/internal/billing"
	"github.com/solidgen/backend/internal/jobs"
	usermw "github.com/solidgen/backend/internal/middleware"
	"github.com/solidgen/backend/internal/webhook"
)

// Pinger reports database reachability. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Auth     *auth.Handler
	Jobs     *jobs.Handler
	Account  *account.Handler
	Billing  *billing.Handler
	Webhooks *webhook.Handler
	Tokens   usermw.TokenValidator
	DB       Pinger
	Log      *slog.Logger
}

// New returns the API handler: /healthz plus the /v1 routes.
func New(h Handlers) http.Handler {
	if h.Log == nil {
		h.Log = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthz(h.DB, h.Log))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/signup", h.Auth.Signup)
		r.Post("/auth/login", h.Auth.Login)
		r.Post("/webhooks/{provider}", h.Webhooks.Receive)

		r.Group(func(protected chi.Router) {
			protected.Use(usermw.RequireUser(h.Tokens))
			protected.Get("/me", h.Account.GetMe)
			protected.Get("/credits/ledger", h.Account.ListCreditLedger)
			protected.Get("/credits/audit", h.Account.GetAudit)
			protected.Post("/billing/stripe/checkout-session", h.Billing.CreateStripeCheckout)
			protected.Post("/billing/nowpayments/invoice", h.Billing.CreateNOWPaymentsInvoice)
			protected.Route("/jobs", func(r chi.Router) {
				r.Post("/", h.Jobs.CreateJob)
				r.Get("/", h.Jobs.ListJobs)
				r.Get("/{jobID}", h.Jobs.GetJob)
			})
		})
	})
	return r
}

func healthz(db Pinger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				log.Warn("health check failed", "error", err)
				http.Error(w, `{"ok":false}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}
