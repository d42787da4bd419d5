// Package app wires the backend supervisor, the process registry and the UI
// shell together and owns the shutdown sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lnfi-network/lnlauncher/internal/backend"
)

// Shell is the UI collaborator: it shows the backend URL or an error screen.
type Shell interface {
	LoadURL(ctx context.Context, url string) error
	ShowError(ctx context.Context, err error) error
}

// Backend is the part of the supervisor the controller drives.
type Backend interface {
	Start(ctx context.Context) (bool, error)
	Stop()
	BaseURL() string
	Probe(ctx context.Context) error
}

// Registry is the part of the process registry the controller drives.
type Registry interface {
	DiscoverMissing(ctx context.Context) int
	KillAll() bool
	Go(name string, fn func(ctx context.Context))
	Sweep()
	Wait(ctx context.Context) error
}

const (
	DefaultScanInterval    = 10 * time.Second
	DefaultFinalSweepDelay = 2 * time.Second
	DefaultExitDelay       = 3 * time.Second
	cleanupScanTimeout     = 3 * time.Second
)

type Options struct {
	Backend  Backend
	Registry Registry
	Shell    Shell

	ScanInterval    time.Duration
	FinalSweepDelay time.Duration
	ExitDelay       time.Duration
	Logger          *slog.Logger
}

type Controller struct {
	opts Options
	log  *slog.Logger

	quit        chan struct{}
	quitOnce    sync.Once
	quitReason  string
	cleanupOnce sync.Once
	cleaned     chan struct{}
}

func New(opts Options) *Controller {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.FinalSweepDelay < 0 {
		opts.FinalSweepDelay = DefaultFinalSweepDelay
	}
	if opts.ExitDelay <= 0 {
		opts.ExitDelay = DefaultExitDelay
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Controller{
		opts:    opts,
		log:     lg.With("component", "app"),
		quit:    make(chan struct{}),
		cleaned: make(chan struct{}),
	}
}

// Startup starts the backend and hands the shell either its URL or an error.
// A readiness timeout still loads the URL.
func (c *Controller) Startup(ctx context.Context) error {
	ready, err := c.opts.Backend.Start(ctx)
	if err != nil {
		c.log.Error("backend start failed", slog.Any("error", err))
		if serr := c.opts.Shell.ShowError(ctx, errors.New(UserMessage(err))); serr != nil {
			c.log.Warn("show error failed", slog.Any("error", serr))
		}
		return err
	}
	if !ready {
		if perr := c.opts.Backend.Probe(ctx); perr != nil {
			c.log.Warn("backend not ready yet, loading anyway", slog.Any("error", perr))
		} else {
			c.log.Info("backend answers HTTP without readiness marker")
		}
	}
	url := c.opts.Backend.BaseURL()
	if err := c.opts.Shell.LoadURL(ctx, url); err != nil {
		c.log.Warn("load url failed", slog.String("url", url), slog.Any("error", err))
	}
	return nil
}

// Run starts up, scans for orphaned daemons periodically and blocks until ctx
// is done or Quit is called, then cleans up. It returns the startup error,
// if any. A panic in Run still cleans up before propagating.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic, cleaning up", slog.Any("panic", r))
			c.Cleanup("crash")
			panic(r)
		}
	}()

	startErr := c.Startup(ctx)

	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()
	go c.scanLoop(scanCtx)

	reason := "signal"
	select {
	case <-ctx.Done():
	case <-c.quit:
		reason = c.quitReason
	}
	stopScan()
	c.Cleanup(reason)
	c.waitExit()
	return startErr
}

// Quit asks Run to shut down. Only the first reason is kept.
func (c *Controller) Quit(reason string) {
	c.quitOnce.Do(func() {
		c.quitReason = reason
		close(c.quit)
	})
}

func (c *Controller) scanLoop(ctx context.Context) {
	t := time.NewTicker(c.opts.ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.opts.Registry.DiscoverMissing(ctx); n > 0 {
				c.log.Info("periodic scan found daemons", slog.Int("count", n))
			}
		}
	}
}

// Cleanup runs the shutdown sequence once: a last discovery pass, stop the
// backend, kill everything tracked, then a delayed kill-by-name sweep.
func (c *Controller) Cleanup(reason string) {
	c.cleanupOnce.Do(func() {
		defer close(c.cleaned)
		c.log.Info("cleaning up", slog.String("reason", reason))

		ctx, cancel := context.WithTimeout(context.Background(), cleanupScanTimeout)
		c.opts.Registry.DiscoverMissing(ctx)
		cancel()

		c.opts.Backend.Stop()
		c.opts.Registry.KillAll()

		delay := c.opts.FinalSweepDelay
		c.opts.Registry.Go("final sweep", func(ctx context.Context) {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
				c.opts.Registry.Sweep()
			case <-ctx.Done():
			}
		})
	})
}

// Cleaned is closed once Cleanup has finished its synchronous part.
func (c *Controller) Cleaned() <-chan struct{} { return c.cleaned }

// waitExit gives background tasks up to the exit delay to finish.
func (c *Controller) waitExit() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ExitDelay)
	defer cancel()
	if err := c.opts.Registry.Wait(ctx); err != nil {
		c.log.Warn("background tasks still running at exit", slog.Any("error", err))
		return
	}
	c.log.Info("all background tasks finished")
}

// UserMessage renders err for the error screen. Port conflicts get an
// actionable message; everything else is shown as is.
func UserMessage(err error) string {
	var pie *backend.PortInUseError
	if errors.As(err, &pie) {
		return fmt.Sprintf("Port %d is already in use by another application. Close it and restart the launcher.", pie.Port)
	}
	return err.Error()
}
