package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/lnfi-network/lnlauncher/internal/paths"
)

// ensureDeps installs backend dependencies when the dependency directory is
// missing and installation is enabled.
func (s *Supervisor) ensureDeps(ctx context.Context) error {
	p := s.opts.Paths
	if paths.Exists(p.BackendDepsDir) {
		return nil
	}
	if !s.opts.InstallDeps || len(s.opts.InstallCommand) == 0 {
		s.log.Warn("backend dependencies missing, install disabled", slog.String("dir", p.BackendDepsDir))
		return nil
	}
	s.log.Info("installing backend dependencies", slog.Any("command", s.opts.InstallCommand), slog.String("dir", p.BackendDir))
	// #nosec G204
	cmd := exec.CommandContext(ctx, s.opts.InstallCommand[0], s.opts.InstallCommand[1:]...)
	cmd.Dir = p.BackendDir
	out := &lineWriter{onLine: func(l string) { s.log.Debug(l, slog.String("stream", "install")) }}
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	out.Flush()
	if err != nil {
		return fmt.Errorf("install backend dependencies: %w", err)
	}
	return nil
}
