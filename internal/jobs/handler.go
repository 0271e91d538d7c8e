package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/solidgen/backend/internal/ledger"
	"github.com/solidgen/backend/internal/middleware"
	"github.com/solidgen/backend/internal/models"
)

const maxCreateBody = 64 << 10

// Request/response structs use snake_case JSON.

type CreateJobRequest struct {
	InputRef         string `json:"input_ref"`
	Resolution       *int   `json:"resolution"`
	Seed             *int64 `json:"seed"`
	DecimationTarget *int   `json:"decimation_target"`
	TextureSize      *int   `json:"texture_size"`
}

// Params applies defaults for omitted fields.
func (r CreateJobRequest) Params() models.JobParams {
	p := models.DefaultJobParams()
	if r.Resolution != nil {
		p.Resolution = *r.Resolution
	}
	if r.Seed != nil {
		p.Seed = *r.Seed
	}
	if r.DecimationTarget != nil {
		p.DecimationTarget = *r.DecimationTarget
	}
	if r.TextureSize != nil {
		p.TextureSize = *r.TextureSize
	}
	return p
}

type JobResponse struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	InputRef    string           `json:"input_ref"`
	OutputRef   *string          `json:"output_ref,omitempty"`
	Params      models.JobParams `json:"params"`
	CostCredits int              `json:"cost_credits"`
	ErrorText   *string          `json:"error_text,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Service is what the handler needs from the orchestrator.
type Service interface {
	Submit(ctx context.Context, userID uuid.UUID, inputRef string, params models.JobParams) (*models.Job, error)
	Get(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, userID uuid.UUID) ([]*models.Job, error)
}

var _ Service = (*Orchestrator)(nil)

type Handler struct {
	svc       Service
	validator *Validator
	log       *slog.Logger
}

func NewHandler(svc Service, validator *Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.validator.ValidateCreateJob(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req CreateJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	job, err := h.svc.Submit(r.Context(), userID, req.InputRef, req.Params())
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidParams):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ledger.ErrInsufficientCredits):
			http.Error(w, "insufficient credits", http.StatusPaymentRequired)
		case errors.Is(err, ledger.ErrUserNotFound):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		default:
			h.log.Error("create job failed", "user_id", userID, "error", err)
			http.Error(w, "create job failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	job, err := h.svc.Get(r.Context(), userID, jobID)
	if errors.Is(err, ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get job failed", "job_id", jobID, "error", err)
		http.Error(w, "get job failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.List(r.Context(), userID)
	if err != nil {
		h.log.Error("list jobs failed", "user_id", userID, "error", err)
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	resp := make([]JobResponse, 0, len(list))
	for _, j := range list {
		resp = append(resp, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func jobToResponse(j *models.Job) JobResponse {
	return JobResponse{
		ID:          j.ID.String(),
		Status:      j.Status,
		InputRef:    j.InputRef,
		OutputRef:   j.OutputRef,
		Params:      j.Params,
		CostCredits: j.CostCredits,
		ErrorText:   j.ErrorText,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
