package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

const maxCredentialsBody = 16 << 10

// Credentials is the body of both signup and login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	CreditsBalance int    `json:"credits_balance"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// POST /v1/auth/signup
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	u, err := h.svc.Signup(r.Context(), creds.Email, creds.Password)
	switch {
	case err == nil:
		respond(w, http.StatusCreated, UserResponse{ID: u.ID.String(), Email: u.Email, CreditsBalance: u.CreditsBalance})
	case errors.Is(err, ErrDuplicateEmail):
		http.Error(w, "email already registered", http.StatusConflict)
	case errors.Is(err, ErrWeakPassword), errors.Is(err, ErrInvalidEmail):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("signup failed", "error", err)
		http.Error(w, "signup failed", http.StatusInternalServerError)
	}
}

// POST /v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	token, err := h.svc.Login(r.Context(), creds.Email, creds.Password)
	switch {
	case err == nil:
		respond(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
	case errors.Is(err, ErrInvalidCredentials):
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	default:
		h.log.Error("login failed", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
	}
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (Credentials, bool) {
	var c Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCredentialsBody)).Decode(&c); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return c, false
	}
	if c.Email == "" || c.Password == "" {
		http.Error(w, "missing email or password", http.StatusBadRequest)
		return c, false
	}
	return c, true
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
