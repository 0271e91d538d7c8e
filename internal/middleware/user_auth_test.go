package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubValidator struct {
	token  string
	userID uuid.UUID
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	if token != s.token {
		return uuid.Nil, errors.New("invalid token")
	}
	return s.userID, nil
}

// okHandler writes the user id from context (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(UserIDFromCtx(r.Context()).String()))
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRequireUser_ValidToken(t *testing.T) {
	v := &stubValidator{token: "good", userID: uuid.New()}
	mw := RequireUser(v)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != v.userID.String() {
		t.Errorf("expected user id %q in body, got %q", v.userID, body)
	}
}

func TestRequireUser_LowercaseScheme(t *testing.T) {
	v := &stubValidator{token: "good", userID: uuid.New()}
	mw := RequireUser(v)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer good")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireUser_Rejects(t *testing.T) {
	v := &stubValidator{token: "good", userID: uuid.New()}
	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic Z29vZA==",
		"bad token":      "Bearer nope",
		"empty bearer":   "Bearer ",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			RequireUser(v)(okHandler).ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestUserIDFromCtx_Empty(t *testing.T) {
	if id := UserIDFromCtx(context.Background()); id != uuid.Nil {
		t.Errorf("expected uuid.Nil, got %s", id)
	}
}
