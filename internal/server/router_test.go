package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnfi-network/lnlauncher/internal/backend"
	"github.com/lnfi-network/lnlauncher/internal/detector"
	"github.com/lnfi-network/lnlauncher/internal/metrics"
	"github.com/lnfi-network/lnlauncher/internal/paths"
	"github.com/lnfi-network/lnlauncher/internal/process"
	"github.com/lnfi-network/lnlauncher/internal/registry"
)

type stubBackend struct{ st backend.Status }

func (s stubBackend) Status() backend.Status { return s.st }

type stubRegistry struct{}

func (stubRegistry) Snapshot() []registry.Entry {
	return []registry.Entry{{PID: 42, Role: registry.RoleBackend, Origin: process.OriginSpawned, Alive: true}}
}

func (stubRegistry) DiscoveryStates() map[registry.Role]registry.DiscoveryState {
	return map[registry.Role]registry.DiscoveryState{registry.RolePrimary: registry.Tracked, registry.RoleSecondary: registry.NotStarted}
}

type stubDetector struct {
	alive bool
	err   error
}

func (d stubDetector) Alive() (bool, error) { return d.alive, d.err }
func (d stubDetector) Describe() string     { return "stub" }

type quitRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (q *quitRecorder) quit(reason string) {
	q.mu.Lock()
	q.reasons = append(q.reasons, reason)
	q.mu.Unlock()
}

func setupRouter(t *testing.T, base string, deps Deps) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(deps, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatus(t *testing.T) {
	h := setupRouter(t, "/api", Deps{
		Backend:  stubBackend{backend.Status{State: backend.StateReady, Port: 8091, BaseURL: "http://127.0.0.1:8091", Ready: true}},
		Registry: stubRegistry{},
		Daemons: map[registry.Role]detector.Detector{
			registry.RolePrimary:   stubDetector{alive: true},
			registry.RoleSecondary: stubDetector{err: errors.New("ps failed")},
		},
	})
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	be := body["backend"].(map[string]any)
	assert.Equal(t, "ready", be["state"])
	assert.EqualValues(t, 8091, be["port"])
	procs := body["processes"].([]any)
	require.Len(t, procs, 1)
	assert.Equal(t, "backend", procs[0].(map[string]any)["role"])
	disc := body["discovery"].(map[string]any)
	assert.Equal(t, "tracked", disc["primary-daemon"])
	assert.Equal(t, "not-started", disc["secondary-daemon"])
	daemons := body["daemons"].(map[string]any)
	assert.Equal(t, true, daemons["primary-daemon"].(map[string]any)["running"])
	assert.Equal(t, "ps failed", daemons["secondary-daemon"].(map[string]any)["error"])
}

func TestStatusWithoutDeps(t *testing.T) {
	h := setupRouter(t, "", Deps{})
	rec := doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processes":[]`)

	rec = doReq(t, h, http.MethodGet, "/processes")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/shutdown")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestShutdown(t *testing.T) {
	q := &quitRecorder{}
	h := setupRouter(t, "", Deps{Quit: q.quit})
	rec := doReq(t, h, http.MethodPost, "/shutdown")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"control-api"}, q.reasons)

	rec = doReq(t, h, http.MethodGet, "/shutdown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaths(t *testing.T) {
	root := t.TempDir()
	p := paths.Resolve(paths.Options{Mode: paths.ModeDevelopment, SourceRoot: root})
	require.NoError(t, os.MkdirAll(p.BackendDir, 0o750))
	h := setupRouter(t, "", Deps{Paths: p})

	rec := doReq(t, h, http.MethodGet, "/paths")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []pathResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	got := map[string]pathResp{}
	for _, e := range list {
		got[e.Name] = e
	}
	assert.True(t, got["backend_dir"].Exists)
	assert.False(t, got["backend_entry"].Exists)
	assert.Equal(t, filepath.Join(root, "nodeserver", "app.js"), got["backend_entry"].Path)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	metrics.IncPortAllocation("candidate")
	h := setupRouter(t, "", Deps{Gatherer: reg})

	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lnlauncher_port_allocations_total")
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", NewRouter(Deps{}, ""))
	require.NoError(t, err)
	defer func() { _ = Shutdown(srv, time.Second) }()

	resp, err := http.Get("http://" + srv.Addr + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(b), "processes"))

	_, err = NewServer(srv.Addr, NewRouter(Deps{}, ""))
	assert.Error(t, err, "occupied address must fail")
}
