package process

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Table queries and acts on the OS process table.
type Table interface {
	// Find returns the pids whose full command line matches pattern, in
	// ascending order, excluding this process and its parent.
	Find(ctx context.Context, pattern *regexp.Regexp) ([]int, error)
	// KillByName force-kills every process whose executable name is name
	// and returns how many were signalled.
	KillByName(ctx context.Context, name string) (int, error)
}

// SystemTable is the gopsutil-backed Table. When the process list cannot be
// read, KillByName falls back to pkill or taskkill.
type SystemTable struct {
	Logger *slog.Logger
}

func (t SystemTable) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t SystemTable) Find(ctx context.Context, pattern *regexp.Regexp) ([]int, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self, parent := os.Getpid(), os.Getppid()
	var out []int
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || pid == parent {
			continue
		}
		cl, err := p.CmdlineWithContext(ctx)
		if err != nil || cl == "" {
			continue
		}
		if pattern.MatchString(cl) {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (t SystemTable) KillByName(ctx context.Context, name string) (int, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		t.logger().Warn("process list unavailable, using shell fallback", slog.String("name", name), slog.Any("error", err))
		return killByNameCommand(ctx, name)
	}
	self := os.Getpid()
	killed := 0
	for _, p := range procs {
		if int(p.Pid) == self || !t.nameMatches(ctx, p, name) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			t.logger().Debug("kill by name failed", slog.String("name", name), slog.Int("pid", int(p.Pid)), slog.Any("error", err))
			continue
		}
		killed++
	}
	return killed, nil
}

func (t SystemTable) nameMatches(ctx context.Context, p *gopsproc.Process, name string) bool {
	if n, err := p.NameWithContext(ctx); err == nil && SameExecutable(n, name) {
		return true
	}
	// Linux truncates comm to 15 bytes; compare argv[0] as well.
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil || len(args) == 0 {
		return false
	}
	return SameExecutable(filepath.Base(args[0]), name)
}

// SameExecutable compares an executable base name with a daemon name,
// ignoring a Windows ".exe" suffix and, on Windows, case.
func SameExecutable(exe, name string) bool {
	exe = strings.TrimSuffix(exe, ".exe")
	name = strings.TrimSuffix(name, ".exe")
	if runtime.GOOS == "windows" {
		return strings.EqualFold(exe, name)
	}
	return exe == name
}
