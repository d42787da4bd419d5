// Package backend supervises the embedded HTTP backend: it allocates a port,
// spawns the child, watches its output for readiness and daemon start-up,
// and reports how the start attempt ended.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lnfi-network/lnlauncher/internal/env"
	"github.com/lnfi-network/lnlauncher/internal/history"
	"github.com/lnfi-network/lnlauncher/internal/identity"
	"github.com/lnfi-network/lnlauncher/internal/logger"
	"github.com/lnfi-network/lnlauncher/internal/metrics"
	"github.com/lnfi-network/lnlauncher/internal/paths"
	"github.com/lnfi-network/lnlauncher/internal/process"
	"github.com/lnfi-network/lnlauncher/internal/registry"
)

// State of the supervisor.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// PortFinder picks the backend port. *port.Allocator implements it.
type PortFinder interface {
	Find(ctx context.Context, preferredBase int) (int, error)
}

// Tracker is the part of the registry the supervisor uses.
type Tracker interface {
	SetRole(role registry.Role, p process.Supervised)
	ScheduleDiscovery(role registry.Role, delay time.Duration) bool
}

const (
	DefaultReadyTimeout   = 5 * time.Second
	DefaultDiscoveryDelay = 2 * time.Second
	DefaultHealthTimeout  = 3 * time.Second
)

type Options struct {
	Paths    paths.Paths
	Ports    PortFinder
	Registry Tracker
	Identity identity.Source

	AppName     string
	BasePort    int
	Interpreter string
	Network     string

	ReadyTimeout   time.Duration
	DiscoveryDelay time.Duration
	HealthTimeout  time.Duration

	InstallDeps    bool
	InstallCommand []string

	// EnvFile is a dotenv overlay, relative to the backend dir unless absolute.
	EnvFile  string
	ExtraEnv []string
	// BaseEnv replaces the OS environment as the base when set.
	BaseEnv env.Var

	// Triggers maps a daemon role to output substrings announcing it.
	Triggers map[registry.Role][]string

	// Output configures files receiving raw backend stdout/stderr.
	Output     logger.Config
	HTTPClient *http.Client
	History    history.Sinks
	Logger     *slog.Logger
}

// Session is one backend start attempt.
type Session struct {
	ID        string
	Port      int
	StartedAt time.Time

	ready  atomic.Bool
	proc   atomic.Pointer[process.Spawned]
	once   sync.Once
	result chan startResult
}

type startResult struct {
	ready bool
	err   error
}

// Proc returns the child handle, or nil before it has been spawned.
func (ss *Session) Proc() *process.Spawned { return ss.proc.Load() }

func (ss *Session) settle(ready bool, err error) bool {
	settled := false
	ss.once.Do(func() {
		ss.result <- startResult{ready: ready, err: err}
		settled = true
	})
	return settled
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	session *Session
}

func New(opts Options) *Supervisor {
	if opts.AppName == "" {
		opts.AppName = "Lnfi-Node"
	}
	if opts.Interpreter == "" {
		opts.Interpreter = "node"
	}
	if opts.Network == "" {
		opts.Network = "regtest"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.DiscoveryDelay < 0 {
		opts.DiscoveryDelay = DefaultDiscoveryDelay
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Supervisor{opts: opts, log: lg.With("component", "backend"), state: StateIdle}
}

// Start launches the backend. It returns true once a readiness marker is
// seen, and false without error when the ready timeout passes while the child
// is still alive. It fails when the entry is missing, the spawn fails, the
// child reports a port conflict or the child exits before readiness. A
// previous session is stopped first.
func (s *Supervisor) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state == StateStarting {
		s.mu.Unlock()
		return false, ErrStarting
	}
	prev := s.session
	s.state = StateStarting
	s.session = nil
	s.mu.Unlock()

	if prev != nil {
		if pp := prev.Proc(); pp != nil && pp.Alive() {
			s.log.Info("stopping previous backend", slog.Int("pid", pp.PID()))
			_ = pp.Terminate()
		}
	}

	ss, err := s.launch(ctx)
	if err != nil {
		s.setState(StateFailed)
		metrics.IncBackendStart("error")
		return false, err
	}

	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-ss.result:
			return s.finish(ss, r)
		case <-timer.C:
			if ss.Proc().Alive() && ss.settle(false, nil) {
				s.log.Warn("backend readiness timeout, continuing", slog.Duration("timeout", s.opts.ReadyTimeout), slog.Int("port", ss.Port))
			}
			// otherwise the exit watcher settles shortly
		case <-ctx.Done():
			ss.settle(false, ctx.Err())
		}
	}
}

func (s *Supervisor) finish(ss *Session, r startResult) (bool, error) {
	var pie *PortInUseError
	switch {
	case r.err == nil && r.ready:
		metrics.IncBackendStart("ready")
	case r.err == nil:
		metrics.IncBackendStart("timeout")
	case errors.As(r.err, &pie):
		metrics.IncBackendStart("port_in_use")
	default:
		metrics.IncBackendStart("error")
	}
	if r.err != nil {
		s.mu.Lock()
		if s.session == ss {
			s.state = StateFailed
		}
		s.mu.Unlock()
		if pp := ss.Proc(); pp.Alive() {
			_ = pp.Terminate()
		}
		return false, r.err
	}
	if !r.ready {
		s.mu.Lock()
		if s.session == ss && s.state == StateStarting {
			s.state = StateFailed
		}
		s.mu.Unlock()
	}
	return r.ready, nil
}

// launch runs every step up to a running child.
func (s *Supervisor) launch(ctx context.Context) (*Session, error) {
	p := s.opts.Paths
	if !paths.Exists(p.BackendEntryPath) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, p.BackendEntryPath)
	}
	if err := s.ensureDeps(ctx); err != nil {
		return nil, err
	}
	port, err := s.opts.Ports.Find(ctx, s.opts.BasePort)
	if err != nil {
		return nil, err
	}
	environ, err := s.BuildEnv(ctx, port)
	if err != nil {
		return nil, err
	}

	ss := &Session{ID: uuid.NewString(), Port: port, StartedAt: time.Now(), result: make(chan startResult, 1)}
	lg := s.log.With("session", ss.ID)

	outFile, errFile, _ := s.opts.Output.ProcessWriters("backend")
	stdout := &lineWriter{onLine: func(l string) { s.onStdout(ss, lg, l) }}
	stderr := &lineWriter{onLine: func(l string) { s.onStderr(ss, lg, l) }}
	var closers []io.Closer
	if outFile != nil {
		stdout.file = outFile
		closers = append(closers, outFile)
	}
	if errFile != nil {
		stderr.file = errFile
		closers = append(closers, errFile)
	}

	// #nosec G204
	cmd := exec.Command(s.opts.Interpreter, p.BackendEntryPath)
	cmd.Dir = p.BackendDir
	cmd.Env = environ
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.mu.Lock()
	s.session = ss
	s.mu.Unlock()

	proc, err := process.Start(cmd)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	ss.proc.Store(proc)
	lg.Info("backend spawned", slog.Int("pid", proc.PID()), slog.Int("port", port))
	s.emit(ss, history.EventSpawn, strconv.Itoa(port))
	if s.opts.Registry != nil {
		s.opts.Registry.SetRole(registry.RoleBackend, proc)
	}

	go func() {
		<-proc.Done()
		stdout.Flush()
		stderr.Flush()
		closeAll(closers)
		s.onExit(ss, lg)
	}()
	return ss, nil
}

func (s *Supervisor) onStdout(ss *Session, lg *slog.Logger, line string) {
	lg.Info(line, slog.String("stream", "stdout"))
	if !ss.ready.Load() && containsAny(line, ReadyMarkers) {
		ss.ready.Store(true)
		s.mu.Lock()
		if s.session == ss && s.state != StateStopped {
			s.state = StateReady
		}
		s.mu.Unlock()
		elapsed := time.Since(ss.StartedAt)
		metrics.ObserveBackendReady(elapsed.Seconds())
		s.emit(ss, history.EventReady, line)
		if ss.settle(true, nil) {
			lg.Info("backend ready", slog.Int("port", ss.Port), slog.Duration("after", elapsed))
		} else {
			lg.Info("backend became ready after start settled", slog.Int("port", ss.Port))
		}
	}
	s.checkTriggers(lg, line)
}

func (s *Supervisor) onStderr(ss *Session, lg *slog.Logger, line string) {
	lg.Warn(line, slog.String("stream", "stderr"))
	if isPortConflict(line) && ss.settle(false, &PortInUseError{Port: ss.Port, Line: line}) {
		lg.Error("backend port conflict", slog.Int("port", ss.Port))
	}
}

// checkTriggers schedules discovery for each daemon role the line announces.
// The registry latch makes repeated triggers no-ops.
func (s *Supervisor) checkTriggers(lg *slog.Logger, line string) {
	if s.opts.Registry == nil {
		return
	}
	for _, role := range registry.DaemonRoles {
		if containsAny(line, s.opts.Triggers[role]) &&
			s.opts.Registry.ScheduleDiscovery(role, s.opts.DiscoveryDelay) {
			lg.Info("daemon start detected", slog.String("role", string(role)))
		}
	}
}

func (s *Supervisor) onExit(ss *Session, lg *slog.Logger) {
	proc := ss.Proc()
	code := proc.ExitCode()
	werr := proc.ExitErr()
	s.emit(ss, history.EventExit, fmt.Sprintf("code %d", code))
	// A Start still waiting on this session always gets an answer.
	settled := !ss.ready.Load() && ss.settle(false, &ExitError{Code: code, Err: werr})

	s.mu.Lock()
	current := s.session == ss
	stopped := current && s.state == StateStopped
	if current && !stopped {
		s.state = StateFailed
	}
	s.mu.Unlock()

	switch {
	case stopped:
		metrics.IncBackendExit("stopped")
		lg.Info("backend stopped", slog.Int("code", code))
	case ss.ready.Load():
		metrics.IncBackendExit("after_ready")
		lg.Warn("backend exited after becoming ready", slog.Int("code", code), slog.Any("error", werr))
	default:
		metrics.IncBackendExit("before_ready")
		if settled {
			lg.Error("backend exited before becoming ready", slog.Int("code", code))
		} else {
			lg.Warn("backend exited", slog.Int("code", code))
		}
	}
}

// Stop kills the current backend without waiting for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	ss := s.session
	if ss != nil {
		s.state = StateStopped
	}
	s.mu.Unlock()
	if ss == nil {
		return
	}
	ss.ready.Store(false)
	proc := ss.Proc()
	if proc == nil {
		return
	}
	if err := proc.Terminate(); err != nil && !errors.Is(err, process.ErrNotRunning) {
		s.log.Warn("stop backend failed", slog.Int("pid", proc.PID()), slog.Any("error", err))
		return
	}
	s.log.Info("backend stop requested", slog.Int("pid", proc.PID()))
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the port of the current session, or 0.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return 0
	}
	return s.session.Port
}

// BaseURL returns http://127.0.0.1:<port> for the current session, or "".
func (s *Supervisor) BaseURL() string {
	if p := s.Port(); p > 0 {
		return "http://127.0.0.1:" + strconv.Itoa(p)
	}
	return ""
}

// Ready reports whether the current session has printed a readiness marker.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	ss := s.session
	s.mu.Unlock()
	return ss != nil && ss.ready.Load()
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State     State     `json:"state"`
	Session   string    `json:"session,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	BaseURL   string    `json:"base_url,omitempty"`
	Ready     bool      `json:"ready"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state}
	ss := s.session
	s.mu.Unlock()
	if ss == nil {
		return st
	}
	st.Session = ss.ID
	st.Port = ss.Port
	st.BaseURL = "http://127.0.0.1:" + strconv.Itoa(ss.Port)
	st.Ready = ss.ready.Load()
	st.StartedAt = ss.StartedAt
	if proc := ss.Proc(); proc != nil {
		st.PID = proc.PID()
	}
	return st
}

func (s *Supervisor) emit(ss *Session, t history.EventType, detail string) {
	e := history.Event{Type: t, Session: ss.ID, Role: string(registry.RoleBackend), Detail: detail}
	if proc := ss.Proc(); proc != nil {
		e.PID = proc.PID()
		e.Origin = string(process.OriginSpawned)
	}
	s.opts.History.Emit(context.Background(), e)
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
