// Package registry owns every process the launcher must terminate on
// shutdown: children it spawned and daemons it discovered by command line.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/lnfi-network/lnlauncher/internal/detector"
	"github.com/lnfi-network/lnlauncher/internal/history"
	"github.com/lnfi-network/lnlauncher/internal/metrics"
	"github.com/lnfi-network/lnlauncher/internal/process"
)

// Role is the logical purpose of a tracked process.
type Role string

const (
	RoleBackend   Role = "backend"
	RolePrimary   Role = "primary-daemon"
	RoleSecondary Role = "secondary-daemon"
	RoleOther     Role = "other"
)

// DaemonRoles lists the roles that are discovered by pattern, in kill order.
var DaemonRoles = []Role{RolePrimary, RoleSecondary}

// Daemon describes how to find and sweep one daemon role.
type Daemon struct {
	Executable string
	Pattern    *regexp.Regexp
}

// DefaultDaemons returns the litd and rgb-lightning-node definitions.
func DefaultDaemons() map[Role]Daemon {
	return map[Role]Daemon{
		RolePrimary: {
			Executable: "litd",
			Pattern:    regexp.MustCompile(`litd --disableui`),
		},
		RoleSecondary: {
			Executable: "rgb-lightning-node",
			Pattern:    regexp.MustCompile(`rgb-lightning-node.*--daemon-listening-port`),
		},
	}
}

const (
	DefaultKillGrace   = 2 * time.Second
	DefaultTaskTimeout = 15 * time.Second
)

type Options struct {
	Table   process.Table
	Daemons map[Role]Daemon
	// KillGrace is how long KillAll stays latched after a run.
	KillGrace time.Duration
	// TaskTimeout bounds each background discovery or sweep.
	TaskTimeout time.Duration
	// Adopt wraps a discovered pid. Defaults to process.NewDiscovered.
	Adopt   func(pid int, name string) process.Supervised
	History history.Sinks
	Logger  *slog.Logger
}

type entry struct {
	p         process.Supervised
	role      Role
	trackedAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	entries   map[int]*entry
	roles     map[Role]int
	discovery map[Role]DiscoveryState
	killing   bool

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

func New(opts Options) *Registry {
	if opts.Table == nil {
		opts.Table = process.SystemTable{Logger: opts.Logger}
	}
	if opts.Daemons == nil {
		opts.Daemons = DefaultDaemons()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.Adopt == nil {
		opts.Adopt = func(pid int, name string) process.Supervised { return process.NewDiscovered(pid, name) }
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:      opts,
		log:       lg.With("component", "registry"),
		entries:   make(map[int]*entry),
		roles:     make(map[Role]int),
		discovery: make(map[Role]DiscoveryState),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, role := range DaemonRoles {
		r.discovery[role] = NotStarted
	}
	return r
}

// Track registers p. Tracking a pid that is already present is a no-op.
// Handles that can observe exit are removed automatically when they exit.
func (r *Registry) Track(p process.Supervised) process.Supervised {
	pid := p.PID()
	r.mu.Lock()
	if _, ok := r.entries[pid]; ok {
		r.mu.Unlock()
		return p
	}
	r.entries[pid] = &entry{p: p, role: RoleOther, trackedAt: time.Now()}
	n := len(r.entries)
	r.mu.Unlock()

	metrics.SetTracked(n)
	r.log.Debug("tracking process", slog.Int("pid", pid), slog.String("origin", string(p.Origin())))
	r.emit(history.Event{Type: history.EventTrack, PID: pid, Origin: string(p.Origin())})

	if done := p.Done(); done != nil {
		go func() {
			<-done
			r.remove(pid, p, "exited")
		}()
	}
	return p
}

// SetRole tracks p and assigns it role. A previous holder of the role is
// demoted to RoleOther but stays tracked.
func (r *Registry) SetRole(role Role, p process.Supervised) {
	r.Track(p)
	pid := p.PID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.roles[role]; ok && cur == pid {
		return
	}
	e, ok := r.entries[pid]
	if !ok {
		// exited between Track and here
		return
	}
	if prev, ok := r.roles[role]; ok {
		if pe, ok := r.entries[prev]; ok {
			pe.role = RoleOther
		}
	}
	if e.role != RoleOther && e.role != role {
		delete(r.roles, e.role)
		r.resetDiscoveryLocked(e.role)
	}
	e.role = role
	r.roles[role] = pid
	if _, isDaemon := r.discovery[role]; isDaemon {
		r.discovery[role] = Tracked
	}
	r.log.Info("role assigned", slog.String("role", string(role)), slog.Int("pid", pid))
}

// GetRole returns the process holding role, if any.
func (r *Registry) GetRole(role Role) (process.Supervised, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.roles[role]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[pid]
	if !ok {
		return nil, false
	}
	return e.p, true
}

// IsAlive probes pid without side effects. Tracked entries use their own
// handle so a discovered pid is checked against its recorded start time.
func (r *Registry) IsAlive(pid int) bool {
	r.mu.Lock()
	e, ok := r.entries[pid]
	r.mu.Unlock()
	if ok {
		return e.p.Alive()
	}
	return detector.PIDAlive(pid)
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entry is a point-in-time view of one tracked process.
type Entry struct {
	PID       int            `json:"pid"`
	Role      Role           `json:"role"`
	Origin    process.Origin `json:"origin"`
	Alive     bool           `json:"alive"`
	TrackedAt time.Time      `json:"tracked_at"`
}

// Snapshot returns all tracked entries ordered by pid. Liveness is probed
// after the lock is released.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	procs := make([]process.Supervised, 0, len(r.entries))
	out := make([]Entry, 0, len(r.entries))
	for pid, e := range r.entries {
		procs = append(procs, e.p)
		out = append(out, Entry{PID: pid, Role: e.role, Origin: e.p.Origin(), TrackedAt: e.trackedAt})
	}
	r.mu.Unlock()
	for i, p := range procs {
		out[i].Alive = p.Alive()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// KillAll terminates every tracked process and sweeps the daemon executables
// by name. A call made while a previous run is still latched does nothing and
// returns false. Termination is fire-and-forget and never fails.
func (r *Registry) KillAll() bool {
	r.mu.Lock()
	if r.killing {
		r.mu.Unlock()
		r.log.Info("kill all already in progress, skipping")
		metrics.IncKillAll("skipped")
		return false
	}
	r.killing = true
	pruned := r.pruneLocked()
	targets := r.killOrderLocked()
	r.mu.Unlock()

	r.log.Info("killing all tracked processes", slog.Int("count", len(targets)), slog.Int("pruned", pruned))
	for _, e := range targets {
		r.terminate(e)
	}
	r.Sweep()

	r.mu.Lock()
	r.entries = make(map[int]*entry)
	r.roles = make(map[Role]int)
	for role := range r.discovery {
		r.discovery[role] = NotStarted
	}
	r.mu.Unlock()
	metrics.SetTracked(0)
	metrics.IncKillAll("completed")

	time.AfterFunc(r.opts.KillGrace, func() {
		r.mu.Lock()
		r.killing = false
		r.mu.Unlock()
	})
	return true
}

// Sweep kills every process named after a daemon executable, in the
// background.
func (r *Registry) Sweep() {
	for _, role := range DaemonRoles {
		d, ok := r.opts.Daemons[role]
		if !ok || d.Executable == "" {
			continue
		}
		name := d.Executable
		r.Go("sweep "+name, func(ctx context.Context) {
			n, err := r.opts.Table.KillByName(ctx, name)
			if err != nil {
				r.log.Warn("kill by name failed", slog.String("name", name), slog.Any("error", err))
				return
			}
			r.log.Debug("kill by name done", slog.String("name", name), slog.Int("killed", n))
			r.emit(history.Event{Type: history.EventSweep, Role: string(role), Detail: name})
		})
	}
}

// Go runs fn as a background task bounded by the task timeout. Callers never
// wait on it; Wait joins all outstanding tasks.
func (r *Registry) Go(name string, fn func(ctx context.Context)) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.TaskTimeout)
		defer cancel()
		fn(ctx)
		r.log.Debug("background task finished", slog.String("task", name))
	}()
}

// Wait blocks until every background task has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels outstanding background tasks.
func (r *Registry) Close() { r.cancel() }

// target is an entry copied out of the table for termination.
type target struct {
	p    process.Supervised
	role Role
}

func (r *Registry) terminate(e target) {
	pid := e.p.PID()
	err := e.p.Terminate()
	switch {
	case errors.Is(err, process.ErrNotRunning):
		r.log.Debug("process already gone", slog.Int("pid", pid), slog.String("role", string(e.role)))
		return
	case err != nil:
		r.log.Warn("terminate failed", slog.Int("pid", pid), slog.String("role", string(e.role)), slog.Any("error", err))
		return
	}
	metrics.IncTermination(string(e.role))
	r.log.Info("terminated process", slog.Int("pid", pid), slog.String("role", string(e.role)))
	r.emit(history.Event{Type: history.EventTerminate, PID: pid, Role: string(e.role), Origin: string(e.p.Origin())})
}

// killOrderLocked returns the primary daemon, then the secondary daemon,
// then everything else by pid.
func (r *Registry) killOrderLocked() []target {
	out := make([]target, 0, len(r.entries))
	seen := make(map[int]bool)
	for _, role := range DaemonRoles {
		if pid, ok := r.roles[role]; ok {
			if e, ok := r.entries[pid]; ok {
				out = append(out, target{p: e.p, role: e.role})
				seen[pid] = true
			}
		}
	}
	rest := make([]int, 0, len(r.entries))
	for pid := range r.entries {
		if !seen[pid] {
			rest = append(rest, pid)
		}
	}
	sort.Ints(rest)
	for _, pid := range rest {
		e := r.entries[pid]
		out = append(out, target{p: e.p, role: e.role})
	}
	return out
}

// Prune drops entries whose process is no longer alive.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked()
}

func (r *Registry) pruneLocked() int {
	n := 0
	for pid, e := range r.entries {
		if e.p.Alive() {
			continue
		}
		r.dropLocked(pid, e)
		n++
	}
	if n > 0 {
		metrics.SetTracked(len(r.entries))
	}
	return n
}

func (r *Registry) remove(pid int, p process.Supervised, reason string) {
	r.mu.Lock()
	e, ok := r.entries[pid]
	if !ok || e.p != p {
		r.mu.Unlock()
		return
	}
	role := e.role
	r.dropLocked(pid, e)
	n := len(r.entries)
	r.mu.Unlock()

	metrics.SetTracked(n)
	r.log.Info("process removed", slog.Int("pid", pid), slog.String("role", string(role)), slog.String("reason", reason))
	r.emit(history.Event{Type: history.EventUntrack, PID: pid, Role: string(role), Origin: string(p.Origin()), Detail: reason})
}

func (r *Registry) dropLocked(pid int, e *entry) {
	delete(r.entries, pid)
	if cur, ok := r.roles[e.role]; ok && cur == pid {
		delete(r.roles, e.role)
		r.resetDiscoveryLocked(e.role)
	}
}

func (r *Registry) resetDiscoveryLocked(role Role) {
	if _, ok := r.discovery[role]; ok {
		r.discovery[role] = NotStarted
	}
}

func (r *Registry) emit(e history.Event) {
	r.opts.History.Emit(r.ctx, e)
}
