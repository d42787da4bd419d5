package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/lnfi-network/lnlauncher"
	"github.com/lnfi-network/lnlauncher/internal/logger"
	"github.com/lnfi-network/lnlauncher/internal/paths"
)

type command struct {
	flags *GlobalFlags
}

func (c command) config() (*lnlauncher.Config, error) {
	cfg, err := lnlauncher.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.flags.LogLevel != "" {
		cfg.Log.Level = c.flags.LogLevel
	}
	return cfg, nil
}

func (c command) setup() (*lnlauncher.Config, *slog.Logger, io.Closer, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, nil, err
	}
	lg, closer, err := logger.New(cfg.LoggerConfig(), os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(lg)
	return cfg, lg, closer, nil
}

// Run supervises the backend until SIGINT or SIGTERM.
func (c command) Run(parent context.Context) error {
	cfg, lg, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := lnlauncher.New(cfg, lnlauncher.Options{Logger: lg})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			lg.Warn("close launcher", slog.Any("error", cerr))
		}
	}()
	return l.Run(ctx)
}

type pathRow struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

type pathsOutput struct {
	Mode     paths.Mode `json:"mode"`
	Platform string     `json:"platform"`
	Arch     string     `json:"arch"`
	Paths    []pathRow  `json:"paths"`
}

// Paths prints the resolved layout.
func (c command) Paths(w io.Writer, f PathsFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	p := paths.Resolve(cfg.PathOptions())
	out := pathsOutput{Mode: p.Mode, Platform: p.Platform, Arch: p.Arch}
	for _, r := range []struct{ name, path string }{
		{"data", p.DataDir},
		{"backend", p.BackendDir},
		{"backend_entry", p.BackendEntryPath},
		{"backend_deps", p.BackendDepsDir},
		{"binaries", p.BinaryDir},
	} {
		out.Paths = append(out.Paths, pathRow{Name: r.name, Path: r.path, Exists: paths.Exists(r.path)})
	}

	if f.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "mode\t%s\t\n", out.Mode)
	_, _ = fmt.Fprintf(tw, "platform\t%s-%s\t\n", out.Platform, out.Arch)
	for _, r := range out.Paths {
		state := "missing"
		if r.Exists {
			state = "ok"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Path, state)
	}
	return tw.Flush()
}

// Port prints the port the allocator would hand to the backend.
func (c command) Port(ctx context.Context, w io.Writer, base string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	b := cfg.Backend.BasePort
	if base != "" {
		b, err = strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("invalid base port %q", base)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := lnlauncher.FindPort(ctx, b, lg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, p)
	return err
}

// Sweep terminates daemons matching the configured patterns and names.
func (c command) Sweep(parent context.Context, w io.Writer, f SweepFlags) error {
	cfg, lg, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, f.Timeout)
	defer cancel()

	// The sweep never serves the control API.
	cfg.Control.Listen = ""
	l, err := lnlauncher.New(cfg, lnlauncher.Options{Logger: lg})
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	n, err := l.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	_, err = fmt.Fprintf(w, "discovered %d daemon(s), sweep complete\n", n)
	return err
}
