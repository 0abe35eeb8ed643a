package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	handler := NewLicenseHandler(nil, slog.Default())
	return handler.Routes()
}

func postJSON(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	return problem
}

func TestValidateRejectsMissingWorkshopID(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/validate", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	problem := decodeProblem(t, rec)
	assert.Equal(t, "INVALID_REQUEST", problem["error_code"])
	assert.Contains(t, problem["detail"], "workshop_id")
}

func TestValidateRejectsOversizedWorkshopID(t *testing.T) {
	router := newTestRouter(t)

	long := strings.Repeat("x", 200)
	rec := postJSON(t, router, "/validate", `{"workshop_id":"`+long+`"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusRequiresWorkshopIDParameter(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decodeProblem(t, rec)
	assert.Equal(t, "INVALID_REQUEST", problem["error_code"])
}

func TestRevokeRequestValidation(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing token id", `{"reason":"fraud"}`},
		{"missing reason", `{"token_id":"tok-1"}`},
		{"empty body", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, router, "/revoke", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRebindRequestValidation(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/rebind", `{"workshop_id":"ws-001"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decodeProblem(t, rec)
	assert.Contains(t, problem["detail"], "business_name")
}

func TestAuditRejectsMalformedQuery(t *testing.T) {
	router := newTestRouter(t)

	t.Run("bad since", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit?since=yesterday", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("bad limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/audit?limit=-5", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
