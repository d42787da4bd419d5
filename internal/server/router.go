package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lnfi-network/lnlauncher/internal/backend"
	"github.com/lnfi-network/lnlauncher/internal/detector"
	"github.com/lnfi-network/lnlauncher/internal/metrics"
	"github.com/lnfi-network/lnlauncher/internal/paths"
	"github.com/lnfi-network/lnlauncher/internal/registry"
)

// Router provides the loopback control API of the launcher.
// Endpoints:
//   GET  {basePath}/status      backend state, tracked processes, discovery
//   GET  {basePath}/processes   tracked processes only
//   GET  {basePath}/paths       resolved paths and whether they exist
//   POST {basePath}/shutdown    run the shutdown sequence
//   GET  {basePath}/metrics     prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.

// BackendStatus is implemented by *backend.Supervisor.
type BackendStatus interface {
	Status() backend.Status
}

// ProcessLister is implemented by *registry.Registry.
type ProcessLister interface {
	Snapshot() []registry.Entry
	DiscoveryStates() map[registry.Role]registry.DiscoveryState
}

type Deps struct {
	Backend  BackendStatus
	Registry ProcessLister
	// Daemons reports whether each daemon role is running anywhere on the
	// machine, tracked or not.
	Daemons  map[registry.Role]detector.Detector
	Paths    paths.Paths
	Quit     func(reason string)
	Gatherer prometheus.Gatherer
}

type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/processes", r.handleProcesses)
	group.GET("/paths", r.handlePaths)
	group.POST("/shutdown", r.handleShutdown)
	mh := metrics.Handler()
	if r.deps.Gatherer != nil {
		mh = metrics.HandlerFor(r.deps.Gatherer)
	}
	group.GET("/metrics", gin.WrapH(mh))
	return g
}

// NewServer binds addr and serves the router in the background. Binding
// happens before return so an occupied address is reported to the caller.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return server, nil
}

// Shutdown stops srv, waiting up to timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type daemonResp struct {
	Running  bool   `json:"running"`
	Detector string `json:"detector"`
	Error    string `json:"error,omitempty"`
}

type statusResp struct {
	Backend   *backend.Status                           `json:"backend,omitempty"`
	Processes []registry.Entry                          `json:"processes"`
	Discovery map[registry.Role]registry.DiscoveryState `json:"discovery"`
	Daemons   map[registry.Role]daemonResp              `json:"daemons,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	var resp statusResp
	if r.deps.Backend != nil {
		st := r.deps.Backend.Status()
		resp.Backend = &st
	}
	if r.deps.Registry != nil {
		resp.Processes = r.deps.Registry.Snapshot()
		resp.Discovery = r.deps.Registry.DiscoveryStates()
	}
	if resp.Processes == nil {
		resp.Processes = []registry.Entry{}
	}
	if len(r.deps.Daemons) > 0 {
		resp.Daemons = make(map[registry.Role]daemonResp, len(r.deps.Daemons))
		for role, d := range r.deps.Daemons {
			alive, err := d.Alive()
			dr := daemonResp{Running: alive, Detector: d.Describe()}
			if err != nil {
				dr.Error = err.Error()
			}
			resp.Daemons[role] = dr
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleProcesses(c *gin.Context) {
	if r.deps.Registry == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "registry not available"})
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Registry.Snapshot())
}

type pathResp struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

func (r *Router) handlePaths(c *gin.Context) {
	p := r.deps.Paths
	list := []pathResp{
		{Name: "data_dir", Path: p.DataDir},
		{Name: "backend_dir", Path: p.BackendDir},
		{Name: "backend_entry", Path: p.BackendEntryPath},
		{Name: "backend_deps", Path: p.BackendDepsDir},
		{Name: "binary_dir", Path: p.BinaryDir},
	}
	for i := range list {
		list[i].Exists = paths.Exists(list[i].Path)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleShutdown(c *gin.Context) {
	if r.deps.Quit == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "shutdown not available"})
		return
	}
	r.deps.Quit("control-api")
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}
