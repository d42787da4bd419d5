package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lnfi-network/lnlauncher/internal/history"
	"github.com/lnfi-network/lnlauncher/internal/metrics"
	"github.com/lnfi-network/lnlauncher/internal/process"
)

// DiscoveryState tracks pattern discovery for one daemon role.
type DiscoveryState int

const (
	NotStarted DiscoveryState = iota
	ScanPending
	Tracked
)

func (s DiscoveryState) String() string {
	switch s {
	case ScanPending:
		return "scan-pending"
	case Tracked:
		return "tracked"
	default:
		return "not-started"
	}
}

func (s DiscoveryState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DiscoveryStates returns the current state of every daemon role.
func (r *Registry) DiscoveryStates() map[Role]DiscoveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Role]DiscoveryState, len(r.discovery))
	for k, v := range r.discovery {
		out[k] = v
	}
	return out
}

// DiscoveryState returns the state of role.
func (r *Registry) DiscoveryState(role Role) DiscoveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovery[role]
}

// ResetDiscovery returns role to NotStarted unless it is currently tracked.
func (r *Registry) ResetDiscovery(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discovery[role] == ScanPending {
		r.discovery[role] = NotStarted
	}
}

// beginScan moves role from NotStarted to ScanPending. It reports false when
// a scan is already pending or the role is tracked.
func (r *Registry) beginScan(role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.discovery[role]
	if !ok || st != NotStarted {
		return false
	}
	r.discovery[role] = ScanPending
	return true
}

// ScheduleDiscovery latches role and scans for it after delay in the
// background. It reports false if the role is already pending or tracked.
func (r *Registry) ScheduleDiscovery(role Role, delay time.Duration) bool {
	if !r.beginScan(role) {
		return false
	}
	r.log.Info("discovery scheduled", slog.String("role", string(role)), slog.Duration("delay", delay))
	r.Go("discover "+string(role), func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.ctx.Done():
			r.ResetDiscovery(role)
			return
		}
		if _, err := r.scan(ctx, role); err != nil {
			r.log.Warn("discovery failed", slog.String("role", string(role)), slog.Any("error", err))
		}
	})
	return true
}

// DiscoverByPattern scans the process table for role's pattern now. The
// lowest matching pid takes the role and any further matches are tracked as
// RoleOther so KillAll still reaches them. A scan that finds nothing, or a
// role that is already pending or tracked, returns nil.
func (r *Registry) DiscoverByPattern(ctx context.Context, role Role) (process.Supervised, error) {
	if !r.beginScan(role) {
		p, _ := r.GetRole(role)
		return p, nil
	}
	return r.scan(ctx, role)
}

// DiscoverMissing drops dead daemon entries and scans for every daemon role
// that is not currently tracked. It returns the number of roles found.
func (r *Registry) DiscoverMissing(ctx context.Context) int {
	r.Prune()
	found := 0
	for _, role := range DaemonRoles {
		if _, ok := r.opts.Daemons[role]; !ok {
			continue
		}
		p, err := r.DiscoverByPattern(ctx, role)
		if err != nil {
			r.log.Warn("discovery failed", slog.String("role", string(role)), slog.Any("error", err))
			continue
		}
		if p != nil {
			found++
		}
	}
	return found
}

// scan runs with role already in ScanPending.
func (r *Registry) scan(ctx context.Context, role Role) (process.Supervised, error) {
	d, ok := r.opts.Daemons[role]
	if !ok || d.Pattern == nil {
		r.ResetDiscovery(role)
		return nil, fmt.Errorf("no discovery pattern for role %s", role)
	}
	pids, err := r.opts.Table.Find(ctx, d.Pattern)
	if err != nil {
		r.ResetDiscovery(role)
		metrics.IncDiscovery(string(role), "error")
		return nil, err
	}
	if len(pids) == 0 {
		r.ResetDiscovery(role)
		metrics.IncDiscovery(string(role), "miss")
		r.log.Info("no running process matched", slog.String("role", string(role)), slog.String("pattern", d.Pattern.String()))
		return nil, nil
	}

	primary := r.adopt(pids[0], d.Executable)
	r.SetRole(role, primary)
	for _, pid := range pids[1:] {
		r.log.Warn("additional process matched, tracking as other", slog.String("role", string(role)), slog.Int("pid", pid))
		r.adopt(pid, d.Executable)
	}
	metrics.IncDiscovery(string(role), "found")
	r.log.Info("discovered process", slog.String("role", string(role)), slog.Int("pid", primary.PID()), slog.Int("matches", len(pids)))
	r.emit(history.Event{Type: history.EventDiscover, PID: primary.PID(), Role: string(role), Origin: string(primary.Origin()), Detail: d.Pattern.String()})
	return primary, nil
}

// adopt returns the tracked handle for pid, wrapping and tracking it if new.
func (r *Registry) adopt(pid int, name string) process.Supervised {
	r.mu.Lock()
	e, ok := r.entries[pid]
	r.mu.Unlock()
	if ok {
		return e.p
	}
	return r.Track(r.opts.Adopt(pid, name))
}
