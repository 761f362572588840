package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xynlabs/xyn/internal/executor"
	"github.com/xynlabs/xyn/internal/logging"
	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/queue"
	"github.com/xynlabs/xyn/internal/store"
)

func newTestMux() *http.ServeMux {
	mux, _ := newTestMuxWithStore()
	return mux
}

func newTestMuxWithStore() (*http.ServeMux, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	reg := executor.NewRegistry()
	reg.Register(executor.DefaultBlueprint())
	svc := &Service{
		Store:    st,
		Queue:    queue.New(st, queue.Options{}),
		Registry: reg,
		Log:      logging.NewDefault(),
		Version:  "test",
	}
	mux := http.NewServeMux()
	(&handler{service: svc}).mount(mux)
	return mux, st
}

func TestCreateRunFallsBackToDefaultBlueprint(t *testing.T) {
	mux := newTestMux()
	body, _ := json.Marshal(map[string]any{"name": "s1", "inputs": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, executor.DefaultBlueprintName, got["blueprint_ref"])
	require.Equal(t, "queued", got["status"])
}

func TestCreateRunRejectsMissingName(t *testing.T) {
	mux := newTestMux()
	body, _ := json.Marshal(map[string]any{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunRoundTrip(t *testing.T) {
	mux := newTestMux()
	body, _ := json.Marshal(map[string]any{"name": "s1"})
	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	mux.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	id := created["id"].(string)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestGetRunMalformedIDReturnsBadRequest(t *testing.T) {
	mux := newTestMux()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelQueuedRun(t *testing.T) {
	mux := newTestMux()
	body, _ := json.Marshal(map[string]any{"name": "s1"})
	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	mux.ServeHTTP(createRec, createReq)

	var created map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	id := created["id"].(string)

	cancelReq := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	mux.ServeHTTP(cancelRec, cancelReq)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	var cancelled map[string]any
	require.NoError(t, json.Unmarshal(cancelRec.Body.Bytes(), &cancelled))
	require.Equal(t, "cancelled", cancelled["status"])
}

func TestInstallPackClaimsOnceThenConflicts(t *testing.T) {
	mux, st := newTestMuxWithStore()
	st.SeedPack(model.Pack{ID: uuid.New(), PackRef: "core.domain", Version: "1.0.0"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/packs/core.domain/install", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["run_id"])
	require.NotEmpty(t, resp["correlation_id"])

	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/api/v1/packs/core.domain/install", nil))
	require.Equal(t, http.StatusConflict, rec2.Code)

	var conflict struct {
		Detail map[string]any `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &conflict))
	require.Equal(t, "installation_in_progress", conflict.Detail["error"])
	require.NotEmpty(t, conflict.Detail["existing_installation_id"])
}

func TestInstallPackUnknownRefReturnsNotFound(t *testing.T) {
	mux := newTestMux()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/packs/no.such/install", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPackStatusReportsInstallation(t *testing.T) {
	mux, st := newTestMuxWithStore()
	st.SeedPack(model.Pack{ID: uuid.New(), PackRef: "core.domain", Version: "1.0.0"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/packs/core.domain/install", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	statusRec := httptest.NewRecorder()
	mux.ServeHTTP(statusRec, httptest.NewRequest(http.MethodGet, "/api/v1/packs/core.domain/status", nil))
	require.Equal(t, http.StatusOK, statusRec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &got))
	require.Equal(t, "installing", got["status"])
}

func TestHealthEndpoint(t *testing.T) {
	mux := newTestMux()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
