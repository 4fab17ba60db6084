package ingress

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklxx/ciflow/internal/store/storetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHandleBuildFailedCreatesBuild(t *testing.T) {
	store := storetest.New()
	adapter, err := New(store, 64, nil, nil)
	require.NoError(t, err)
	router := NewRouter(adapter, []string{"*"})

	body, err := json.Marshal(map[string]any{
		"job":          "svc",
		"build_number": 1,
		"branch":       "main",
		"commit_sha":   "abc123",
		"payload":      map[string]any{"cause": "compile error"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/build-failed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["build_id"])
}

func TestHandleBuildFailedRejectsDuplicate(t *testing.T) {
	store := storetest.New()
	adapter, err := New(store, 64, nil, nil)
	require.NoError(t, err)
	router := NewRouter(adapter, []string{"*"})

	body, err := json.Marshal(map[string]any{"job": "svc", "build_number": 1})
	require.NoError(t, err)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/webhooks/build-failed", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/webhooks/build-failed", bytes.NewReader(body)))
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestHealthzReturnsOK(t *testing.T) {
	store := storetest.New()
	adapter, err := New(store, 64, nil, nil)
	require.NoError(t, err)
	router := NewRouter(adapter, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
