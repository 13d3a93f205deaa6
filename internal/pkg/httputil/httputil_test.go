package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("missing")

type staticValidator struct{}

func (staticValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if token == "good" {
		return "ops", nil
	}
	return "", errors.New("bad token")
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestHandleError(t *testing.T) {
	mappings := []ErrorMapping{
		{Error: errMissing, Status: http.StatusNotFound, Message: "not here"},
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"mapped", fmt.Errorf("lookup: %w", errMissing), http.StatusNotFound, "not here"},
		{"transient dependency", fmt.Errorf("%w: timeout", domain.ErrTransientExternal), http.StatusServiceUnavailable, "dependency unavailable, retry later"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "request timed out"},
		{"unmapped", errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(context.Background(), rec, tt.err, mappings)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantMsg, decodeError(t, rec)["message"])
		})
	}
}

func TestValidationError_FieldDetails(t *testing.T) {
	type req struct {
		Notes string `validate:"max=3"`
	}
	err := validator.New().Struct(req{Notes: "too long"})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	ValidationError(rec, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation error", body["message"])
	details, ok := body["details"].([]any)
	require.True(t, ok)
	require.Len(t, details, 1)
	assert.Equal(t, "Notes", details[0].(map[string]any)["field"])
	assert.Equal(t, "max", details[0].(map[string]any)["message"])
}

func TestSuccess_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Success(rec, http.StatusOK, map[string]int{"n": 1})

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"n":1}}`, rec.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	var gotSubject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = GetSubject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := AuthMiddleware(staticValidator{})(next)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantMsg    string
	}{
		{"missing header", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"bad token", "Bearer nope", http.StatusUnauthorized, "invalid or expired token"},
		{"valid token", "Bearer good", http.StatusNoContent, ""},
		{"scheme is case insensitive", "bearer good", http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, decodeError(t, rec)["message"])
				assert.Empty(t, gotSubject)
				return
			}
			assert.Equal(t, "ops", gotSubject)
		})
	}
}
