// Package account serves the signed-in user's profile and credit history.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/solidgen/backend/internal/ledger"
	"github.com/solidgen/backend/internal/middleware"
	"github.com/solidgen/backend/internal/models"
	"github.com/solidgen/backend/internal/repository"
)

const (
	defaultLedgerLimit = 100
	maxLedgerLimit     = 500
)

type UserReader interface {
	Me(ctx context.Context, userID uuid.UUID) (*models.User, error)
}

type Credits interface {
	Entries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	Audit(ctx context.Context, userID uuid.UUID) (ledger.Audit, error)
}

type Handler struct {
	users   UserReader
	credits Credits
	log     *slog.Logger
}

func NewHandler(users UserReader, credits Credits, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{users: users, credits: credits, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	u, err := h.users.Me(r.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.log.Error("get me failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              u.ID.String(),
		"email":           u.Email,
		"credits_balance": u.CreditsBalance,
		"created_at":      u.CreatedAt,
	})
}

// GET /v1/credits/ledger?limit=N
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	limit := defaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLedgerLimit)
	}
	entries, err := h.credits.Entries(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list ledger failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /v1/credits/audit
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	a, err := h.credits.Audit(r.Context(), userID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.log.Error("audit failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        a.UserID,
		"cached_balance": a.CachedBalance,
		"ledger_balance": a.LedgerBalance,
		"consistent":     a.Consistent(),
	})
}
