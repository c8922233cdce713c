package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lavasoft/dispatcher-master/internal/events"
	"github.com/lavasoft/dispatcher-master/internal/registry"
	"github.com/lavasoft/dispatcher-master/internal/store"
	"github.com/lavasoft/dispatcher-master/internal/store/memstore"
)

func newTestRouter(t *testing.T, token string, seed ...store.Job) (http.Handler, *registry.Registry) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	st := memstore.New(seed...)
	hub := events.NewHub()
	return NewRouter(RouterConfig{Registry: reg, Store: st, Hub: hub, Logger: zap.NewNop(), Token: token}), reg
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	router, _ := newTestRouter(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkersListRejectsMissingToken(t *testing.T) {
	router, _ := newTestRouter(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkersListReturnsRegistrySnapshot(t *testing.T) {
	router, reg := newTestRouter(t, "")
	reg.Touch("w1", time.Now())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []workerResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "w1", body.Data[0].Hostname)
	assert.True(t, body.Data[0].Online)
}

func TestWorkersGetByHostnameNotFound(t *testing.T) {
	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsGetByIDWithValidBearerToken(t *testing.T) {
	id := uuid.New()
	router, _ := newTestRouter(t, "secret", store.Job{ID: id, Status: store.StatusRunning})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id.String(), nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data jobResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, id.String(), body.Data.ID)
	assert.Equal(t, "RUNNING", body.Data.Status)
}

func TestJobsGetByIDRejectsWrongToken(t *testing.T) {
	id := uuid.New()
	router, _ := newTestRouter(t, "secret", store.Job{ID: id, Status: store.StatusRunning})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id.String(), nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobsGetByIDReturnsNotFoundForUnknownJob(t *testing.T) {
	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsGetByIDRejectsMalformedID(t *testing.T) {
	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
