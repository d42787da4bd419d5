//go:build !windows

package backend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnfi-network/lnlauncher/internal/env"
	"github.com/lnfi-network/lnlauncher/internal/identity"
	"github.com/lnfi-network/lnlauncher/internal/logger"
	"github.com/lnfi-network/lnlauncher/internal/paths"
	"github.com/lnfi-network/lnlauncher/internal/process"
	"github.com/lnfi-network/lnlauncher/internal/registry"
)

type fixedPort int

func (f fixedPort) Find(context.Context, int) (int, error) { return int(f), nil }

type scheduled struct {
	role  registry.Role
	delay time.Duration
}

type fakeTracker struct {
	mu        sync.Mutex
	roles     map[registry.Role]process.Supervised
	scheduled []scheduled
	latched   map[registry.Role]bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{roles: map[registry.Role]process.Supervised{}, latched: map[registry.Role]bool{}}
}

func (f *fakeTracker) SetRole(role registry.Role, p process.Supervised) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[role] = p
}

func (f *fakeTracker) ScheduleDiscovery(role registry.Role, delay time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latched[role] {
		return false
	}
	f.latched[role] = true
	f.scheduled = append(f.scheduled, scheduled{role, delay})
	return true
}

func (f *fakeTracker) calls() []scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduled(nil), f.scheduled...)
}

// layout writes script as the backend entry and returns resolved paths with
// the dependency directory present.
func layout(t *testing.T, script string) paths.Paths {
	t.Helper()
	root := t.TempDir()
	p := paths.Resolve(paths.Options{Mode: paths.ModeDevelopment, SourceRoot: root})
	require.NoError(t, os.MkdirAll(p.BackendDepsDir, 0o750))
	require.NoError(t, os.WriteFile(p.BackendEntryPath, []byte(script), 0o600))
	return p
}

func newTestSupervisor(t *testing.T, script string, mod func(*Options)) (*Supervisor, *fakeTracker) {
	t.Helper()
	tr := newFakeTracker()
	opts := Options{
		Paths:          layout(t, script),
		Ports:          fixedPort(18555),
		Registry:       tr,
		Interpreter:    "/bin/sh",
		ReadyTimeout:   3 * time.Second,
		DiscoveryDelay: 2 * time.Second,
		Triggers: map[registry.Role][]string{
			registry.RolePrimary:   {"starting litd", "[litd]"},
			registry.RoleSecondary: {"starting rgb", "[rgb]", "rgb-lightning-node"},
		},
	}
	if mod != nil {
		mod(&opts)
	}
	s := New(opts)
	t.Cleanup(s.Stop)
	return s, tr
}

func TestStartReady(t *testing.T) {
	s, tr := newTestSupervisor(t, `echo "Server started on port $PORT"; echo "listening on port $PORT"; exec sleep 30`, nil)

	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateReady, s.State())
	assert.True(t, s.Ready())
	assert.Equal(t, "http://127.0.0.1:18555", s.BaseURL())

	st := s.Status()
	assert.NotEmpty(t, st.Session)
	assert.Greater(t, st.PID, 0)

	tr.mu.Lock()
	backend := tr.roles[registry.RoleBackend]
	tr.mu.Unlock()
	require.NotNil(t, backend)
	assert.Equal(t, st.PID, backend.PID())

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, s.Ready())
	select {
	case <-backend.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not exit after Stop")
	}
}

func TestStartTimeoutResolvesFalse(t *testing.T) {
	s, _ := newTestSupervisor(t, `exec sleep 30`, func(o *Options) { o.ReadyTimeout = 200 * time.Millisecond })

	start := time.Now()
	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, StateFailed, s.State())
}

func TestLateReadinessAfterTimeout(t *testing.T) {
	s, _ := newTestSupervisor(t, `sleep 0.5; echo "listening on port $PORT"; exec sleep 30`,
		func(o *Options) { o.ReadyTimeout = 100 * time.Millisecond })

	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	require.Eventually(t, s.Ready, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateReady, s.State())
}

func TestStartExitNonZeroBeforeReady(t *testing.T) {
	s, _ := newTestSupervisor(t, `echo boom >&2; exit 1`, nil)

	ok, err := s.Start(context.Background())
	assert.False(t, ok)
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.Code)
	assert.Contains(t, err.Error(), "code 1")
	assert.Equal(t, StateFailed, s.State())
}

func TestStartExitZeroBeforeReady(t *testing.T) {
	s, _ := newTestSupervisor(t, `exit 0`, nil)

	_, err := s.Start(context.Background())
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 0, ee.Code)
}

func TestStartPortConflict(t *testing.T) {
	s, _ := newTestSupervisor(t, `echo "Error: listen EADDRINUSE: address already in use :::$PORT" >&2; exec sleep 30`, nil)

	ok, err := s.Start(context.Background())
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrPortInUse)
	var pie *PortInUseError
	require.ErrorAs(t, err, &pie)
	assert.Equal(t, 18555, pie.Port)
}

func TestStartEntryMissing(t *testing.T) {
	s, _ := newTestSupervisor(t, "", nil)
	require.NoError(t, os.Remove(s.opts.Paths.BackendEntryPath))

	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.Equal(t, StateFailed, s.State())
}

func TestStartSpawnFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, "", func(o *Options) { o.Interpreter = "/nonexistent/node" })
	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestStartPortAllocationFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, "", func(o *Options) { o.Ports = failingPorts{} })
	_, err := s.Start(context.Background())
	assert.EqualError(t, err, "no ports")
}

type failingPorts struct{}

func (failingPorts) Find(context.Context, int) (int, error) { return 0, errors.New("no ports") }

func TestReadyMarkerTwiceSettlesOnce(t *testing.T) {
	s, _ := newTestSupervisor(t, `echo "listening on port 1"; echo "listening on port 1"; exec sleep 30`, nil)
	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDaemonTriggersScheduleDiscovery(t *testing.T) {
	script := `echo "starting litd"; echo "[litd] still starting"; echo "[rgb] boot"; echo "starting rgb" >&2; echo "listening on port $PORT"; exec sleep 30`
	s, tr := newTestSupervisor(t, script, nil)

	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(tr.calls()) == 2 }, 2*time.Second, 10*time.Millisecond)
	calls := tr.calls()
	assert.Equal(t, scheduled{registry.RolePrimary, 2 * time.Second}, calls[0])
	assert.Equal(t, scheduled{registry.RoleSecondary, 2 * time.Second}, calls[1])
}

func TestOutputFiles(t *testing.T) {
	logDir := t.TempDir()
	s, _ := newTestSupervisor(t, `echo out-line; echo err-line >&2; exit 2`, func(o *Options) {
		o.Output = logger.Config{File: logger.FileConfig{Dir: logDir}}
	})
	_, err := s.Start(context.Background())
	require.Error(t, err)

	b, err := os.ReadFile(filepath.Join(logDir, "backend.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "out-line\n", string(b))
	b, err = os.ReadFile(filepath.Join(logDir, "backend.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "err-line\n", string(b))
}

func TestBuildEnv(t *testing.T) {
	s, _ := newTestSupervisor(t, "", func(o *Options) {
		o.AppName = "Lnfi-Node"
		o.Network = "signet"
		o.Identity = identity.Static("npub1owner")
		o.BaseEnv = env.Var{"NODE_PATH": "/old", "PORT": "1", "HOME": "/home/u"}
		o.EnvFile = ".env.local"
		o.ExtraEnv = []string{"BAZ=2", "PORT=5"}
	})
	p := s.opts.Paths
	require.NoError(t, os.WriteFile(filepath.Join(p.BackendDir, ".env.local"), []byte("LIT_NAME=override\nBAR=1\n"), 0o600))

	list, err := s.BuildEnv(context.Background(), 8095)
	require.NoError(t, err)
	got := map[string]string{}
	for _, kv := range list {
		i := strings.IndexByte(kv, '=')
		got[kv[:i]] = kv[i+1:]
	}
	sep := string(os.PathListSeparator)
	assert.Equal(t, "8095", got["PORT"])
	assert.Equal(t, "8095", got["LINK_HTTP_PORT"])
	assert.Equal(t, "Lnfi-Node", got["LIT_NAME"])
	assert.Equal(t, "1", got["BAR"])
	assert.Equal(t, "2", got["BAZ"])
	assert.Equal(t, "true", got["ELECTRON_RUN"])
	assert.Equal(t, "false", got["LIT_ENABLE_TOR"])
	assert.Equal(t, p.DataDir, got["LIT_DATA_PATH"])
	assert.Equal(t, filepath.Join(p.DataDir, "Lnfi-Node"), got["LIT_LOCAL_BASE_PATH"])
	assert.Equal(t, p.BinaryDir, got["BINARY_PATH"])
	assert.Equal(t, "npub1owner", got["LINK_OWNER"])
	assert.Equal(t, "10009", got["LND_RPC_PORT"])
	assert.Equal(t, "9735", got["LND_LISTEN_PORT"])
	assert.Equal(t, "8080", got["LND_REST_PORT"])
	assert.Equal(t, "3001", got["RGB_LISTENING_PORT"])
	assert.Equal(t, "9735", got["RGB_LDK_PEER_LISTENING_PORT"])
	assert.Equal(t, "signet", got["RGB_NETWORK"])
	assert.Equal(t, p.BackendDepsDir+sep+"/old", got["NODE_PATH"])
	assert.Equal(t, "/home/u", got["HOME"])
}

func TestProbe(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusNotFound
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Listener = ln
	srv.Start()
	defer srv.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s, _ := newTestSupervisor(t, `echo "listening on port $PORT"; exec sleep 30`, func(o *Options) { o.Ports = fixedPort(port) })
	assert.Error(t, s.Probe(context.Background()), "not started yet")

	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(port), s.BaseURL())
	assert.NoError(t, s.Probe(context.Background()))

	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	assert.Error(t, s.Probe(context.Background()))
}

func TestEnsureDeps(t *testing.T) {
	s, _ := newTestSupervisor(t, "", func(o *Options) {
		o.InstallDeps = true
		o.InstallCommand = []string{"/bin/sh", "-c", "echo installing; mkdir node_modules"}
	})
	p := s.opts.Paths
	require.NoError(t, os.Remove(p.BackendDepsDir))
	require.NoError(t, s.ensureDeps(context.Background()))
	assert.True(t, paths.Exists(p.BackendDepsDir))

	require.NoError(t, os.Remove(p.BackendDepsDir))
	s.opts.InstallCommand = []string{"/bin/sh", "-c", "exit 3"}
	assert.ErrorContains(t, s.ensureDeps(context.Background()), "install backend dependencies")

	s.opts.InstallDeps = false
	assert.NoError(t, s.ensureDeps(context.Background()))
}

func TestStartReplacesPreviousSession(t *testing.T) {
	s, tr := newTestSupervisor(t, `echo "listening on port $PORT"; exec sleep 30`, nil)
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	tr.mu.Lock()
	first := tr.roles[registry.RoleBackend]
	tr.mu.Unlock()
	firstSession := s.Status().Session

	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, firstSession, s.Status().Session)
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("previous backend still running")
	}
}
