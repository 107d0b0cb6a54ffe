package diagnostics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/furgen-fcs/dependency-agent/internal/cache"
	"github.com/furgen-fcs/dependency-agent/internal/state"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	workspace := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state.json")
	mgr := cache.New(state.New(statePath), workspace, cache.DefaultPolicy())
	return New(Config{}, mgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestHandleHealthzReportsOK(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.handleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleStateReflectsInventory(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()

	srv.handleState(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.InstalledStatic)
	require.Empty(t, body.Downloading)
}

func TestNotifyDoesNotPanicWithoutClients(t *testing.T) {
	srv := newTestServer(t)
	require.NotPanics(t, func() {
		srv.Notify("inventory_changed", map[string]string{"depId": "d1"})
	})
}
