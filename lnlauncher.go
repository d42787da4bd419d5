package lnlauncher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lnfi-network/lnlauncher/internal/app"
	"github.com/lnfi-network/lnlauncher/internal/backend"
	cfg "github.com/lnfi-network/lnlauncher/internal/config"
	"github.com/lnfi-network/lnlauncher/internal/detector"
	"github.com/lnfi-network/lnlauncher/internal/history"
	"github.com/lnfi-network/lnlauncher/internal/history/sqlite"
	"github.com/lnfi-network/lnlauncher/internal/identity"
	"github.com/lnfi-network/lnlauncher/internal/metrics"
	"github.com/lnfi-network/lnlauncher/internal/paths"
	"github.com/lnfi-network/lnlauncher/internal/port"
	"github.com/lnfi-network/lnlauncher/internal/process"
	"github.com/lnfi-network/lnlauncher/internal/registry"
	iapi "github.com/lnfi-network/lnlauncher/internal/server"
	"github.com/lnfi-network/lnlauncher/internal/shell"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Paths = paths.Paths

type Status = backend.Status

type Entry = registry.Entry

type Role = registry.Role

type Shell = app.Shell

// OwnerEnv is read for the owner identifier when backend.owner is empty.
const OwnerEnv = "LNLAUNCHER_OWNER"

const serverShutdownTimeout = 2 * time.Second

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

// Options are the optional collaborators of New.
type Options struct {
	Logger *slog.Logger
	// Shell receives the backend URL or the startup error. Defaults to a
	// headless shell honoring shell.open_browser.
	Shell Shell
	// Registerer receives the collectors. Defaults to the prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Table overrides the OS process table; used by tests.
	Table process.Table
	// Ports overrides the port allocator; used by tests.
	Ports backend.PortFinder
}

// Launcher is the assembled process supervision core.
type Launcher struct {
	cfg      *Config
	log      *slog.Logger
	paths    Paths
	gatherer prometheus.Gatherer
	table    process.Table

	registry *registry.Registry
	backend  *backend.Supervisor
	ctrl     *app.Controller
	closers  []io.Closer
}

// New wires the registry, the backend supervisor and the controller from c.
// c must have passed Validate.
func New(c *Config, opts Options) (*Launcher, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		if g, ok := reg.(prometheus.Gatherer); ok {
			gatherer = g
		} else {
			gatherer = prometheus.DefaultGatherer
		}
	}

	l := &Launcher{cfg: c, log: lg, gatherer: gatherer}

	var sinks history.Sinks
	if c.History.DSN != "" {
		s, err := sqlite.New(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		sinks = append(sinks, s)
		l.closers = append(l.closers, s)
	}

	l.paths = paths.Resolve(c.PathOptions())
	paths.LogDiagnostics(lg, l.paths)

	l.table = opts.Table
	if l.table == nil {
		l.table = process.SystemTable{Logger: lg}
	}
	l.registry = registry.New(registry.Options{
		Table:     l.table,
		Daemons:   c.DaemonDefs(),
		KillGrace: c.Registry.KillGrace,
		History:   sinks,
		Logger:    lg,
	})

	ports := opts.Ports
	if ports == nil {
		ports = port.New(lg)
	}
	var owner identity.Source = identity.Env{Key: OwnerEnv}
	if c.Backend.Owner != "" {
		owner = identity.Static(c.Backend.Owner)
	}
	out := c.LoggerConfig()
	l.backend = backend.New(backend.Options{
		Paths:          l.paths,
		Ports:          ports,
		Registry:       l.registry,
		Identity:       owner,
		AppName:        c.App.Name,
		BasePort:       c.Backend.BasePort,
		Interpreter:    c.Backend.Interpreter,
		Network:        c.Backend.Network,
		ReadyTimeout:   c.Backend.ReadyTimeout,
		DiscoveryDelay: c.Backend.DiscoveryDelay,
		HealthTimeout:  c.Backend.HealthTimeout,
		InstallDeps:    c.Backend.InstallDeps,
		InstallCommand: c.Backend.InstallCommand,
		EnvFile:        c.Backend.EnvFile,
		ExtraEnv:       c.Backend.Env,
		Triggers:       c.Triggers(),
		Output:         out,
		History:        sinks,
		Logger:         lg,
	})

	sh := opts.Shell
	if sh == nil {
		sh = &shell.Headless{OpenBrowser: c.Shell.OpenBrowser, Logger: lg}
	}
	l.ctrl = app.New(app.Options{
		Backend:         l.backend,
		Registry:        l.registry,
		Shell:           sh,
		ScanInterval:    c.Registry.ScanInterval,
		FinalSweepDelay: c.Registry.FinalSweepDelay,
		ExitDelay:       c.Registry.ExitDelay,
		Logger:          lg,
	})
	return l, nil
}

func (l *Launcher) Paths() Paths { return l.paths }

func (l *Launcher) Status() Status { return l.backend.Status() }

func (l *Launcher) Processes() []Entry { return l.registry.Snapshot() }

// Quit asks a running Run to shut down.
func (l *Launcher) Quit(reason string) { l.ctrl.Quit(reason) }

// Run serves the control API when configured, starts the backend and blocks
// until ctx is done or Quit is called. Cleanup has run when it returns.
func (l *Launcher) Run(ctx context.Context) error {
	var srv *http.Server
	if addr := l.cfg.Control.Listen; addr != "" {
		s, err := iapi.NewServer(addr, iapi.NewRouter(l.routerDeps(), ""))
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		srv = s
		l.log.Info("control api listening", slog.String("addr", srv.Addr))
	}
	err := l.ctrl.Run(ctx)
	if srv != nil {
		if serr := iapi.Shutdown(srv, serverShutdownTimeout); serr != nil {
			l.log.Warn("control api shutdown", slog.Any("error", serr))
		}
	}
	return err
}

func (l *Launcher) routerDeps() iapi.Deps {
	daemons := make(map[registry.Role]detector.Detector, len(registry.DaemonRoles))
	for role, d := range l.cfg.DaemonDefs() {
		daemons[role] = detector.CommandLineDetector{Pattern: d.Pattern, Finder: l.table}
	}
	return iapi.Deps{
		Backend:  l.backend,
		Registry: l.registry,
		Daemons:  daemons,
		Paths:    l.paths,
		Quit:     l.ctrl.Quit,
		Gatherer: l.gatherer,
	}
}

// Sweep discovers daemons left behind by an earlier run and terminates them,
// including a kill-by-name pass. It returns how many were discovered.
func (l *Launcher) Sweep(ctx context.Context) (int, error) {
	n := l.registry.DiscoverMissing(ctx)
	if n > 0 {
		l.log.Info("orphaned daemons found", slog.Int("count", n))
	}
	if !l.registry.KillAll() {
		l.registry.Sweep()
	}
	return n, l.registry.Wait(ctx)
}

// Close releases the registry's background tasks and the history store.
func (l *Launcher) Close() error {
	l.registry.Close()
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// FindPort runs the port allocator from base.
func FindPort(ctx context.Context, base int, logger *slog.Logger) (int, error) {
	return port.New(logger).Find(ctx, base)
}
