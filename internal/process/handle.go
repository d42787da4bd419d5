// Package process holds the OS-level primitives the registry builds on:
// handles for supervised processes, signal delivery and process-table queries.
package process

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/lnfi-network/lnlauncher/internal/detector"
)

// Origin records how a process came under supervision.
type Origin string

const (
	OriginSpawned    Origin = "spawned"
	OriginDiscovered Origin = "external-matched"
)

// ErrNotRunning is returned by Terminate when the target is already gone.
var ErrNotRunning = errors.New("process not running")

// Supervised is a process the launcher is responsible for terminating.
// Spawned and Discovered are the two implementations.
type Supervised interface {
	PID() int
	Origin() Origin
	// Alive probes the OS without side effects.
	Alive() bool
	// Terminate sends a forceful kill and returns without waiting for exit.
	Terminate() error
	// Done is closed once exit has been observed. Discovered handles
	// cannot observe exit and return nil.
	Done() <-chan struct{}
}

// Spawned wraps a child started by this process.
type Spawned struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu        sync.Mutex
	exitCode  int
	exitErr   error
	stoppedAt time.Time
}

// DefaultWaitDelay bounds how long Wait keeps draining output pipes after the
// child exits; grandchildren that inherited the pipes would otherwise hold it.
const DefaultWaitDelay = 2 * time.Second

// Start starts cmd and returns a handle whose Done channel closes after
// cmd.Wait returns. cmd.Stdout and cmd.Stderr must already be set.
func Start(cmd *exec.Cmd) (*Spawned, error) {
	if cmd.SysProcAttr == nil {
		ConfigureSysProcAttr(cmd)
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s := &Spawned{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go s.wait()
	return s, nil
}

func (s *Spawned) wait() {
	err := s.cmd.Wait()
	code := 0
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}
	s.mu.Lock()
	s.exitCode = code
	s.exitErr = err
	s.stoppedAt = time.Now()
	s.mu.Unlock()
	close(s.done)
}

func (s *Spawned) PID() int              { return s.pid }
func (s *Spawned) Origin() Origin        { return OriginSpawned }
func (s *Spawned) Done() <-chan struct{} { return s.done }

func (s *Spawned) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	return detector.PIDAlive(s.pid)
}

func (s *Spawned) Terminate() error {
	if !s.Alive() {
		return ErrNotRunning
	}
	if err := killTree(s.pid); err != nil {
		if isGone(err) {
			return ErrNotRunning
		}
		if kerr := s.cmd.Process.Kill(); kerr != nil {
			return killError(s.pid, err, kerr)
		}
	}
	return nil
}

// killError reports both the group kill and the direct kill failure.
func killError(pid int, groupErr, procErr error) error {
	return fmt.Errorf("kill pid %d: %w", pid, errors.Join(groupErr, procErr))
}

// ExitCode returns the exit code once Done is closed. A child killed by a
// signal reports -1.
func (s *Spawned) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// ExitErr returns the error from cmd.Wait once Done is closed.
func (s *Spawned) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Discovered wraps a pid found in the OS process table. The start time taken
// at discovery guards against signalling a recycled pid.
type Discovered struct {
	pid       int
	startUnix int64
	name      string
}

// NewDiscovered snapshots the start time of pid.
func NewDiscovered(pid int, name string) *Discovered {
	return &Discovered{pid: pid, startUnix: detector.StartTime(pid), name: name}
}

func (d *Discovered) PID() int              { return d.pid }
func (d *Discovered) Origin() Origin        { return OriginDiscovered }
func (d *Discovered) Done() <-chan struct{} { return nil }
func (d *Discovered) Name() string          { return d.name }

func (d *Discovered) Alive() bool {
	ok, _ := detector.PIDDetector{PID: d.pid, StartUnix: d.startUnix}.Alive()
	return ok
}

func (d *Discovered) Terminate() error {
	if !d.Alive() {
		return ErrNotRunning
	}
	if err := killProcess(d.pid, sigKill); err != nil {
		if isGone(err) {
			return ErrNotRunning
		}
		return fmt.Errorf("kill pid %d: %w", d.pid, err)
	}
	return nil
}
