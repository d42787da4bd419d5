// Package port finds a free TCP port for the backend HTTP listener.
package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/lnfi-network/lnlauncher/internal/metrics"
)

// DefaultBase is the backend's preferred HTTP port.
const DefaultBase = 8091

// MaxPort is the exclusive upper bound of the probing range.
const MaxPort = 65535

// ErrNoFreePort is returned when every port from the base upward is taken.
var ErrNoFreePort = errors.New("no free port available")

// Probe reports whether port can be bound right now.
type Probe func(ctx context.Context, port int) bool

// Allocator picks ports using a prioritized candidate list for known bases
// and linear probing otherwise.
type Allocator struct {
	// Candidates maps a known base port to its ordered preference list.
	Candidates map[int][]int
	// Probe overrides the availability check; nil uses Available.
	Probe  Probe
	Logger *slog.Logger
}

// New returns an allocator preloaded with the candidate list for DefaultBase.
func New(logger *slog.Logger) *Allocator {
	return &Allocator{
		Candidates: map[int][]int{DefaultBase: Range(DefaultBase, 6)},
		Logger:     logger,
	}
}

// Range returns n consecutive ports starting at base.
func Range(base, n int) []int {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, base+i)
	}
	return out
}

// Find returns a free port for preferredBase. A known base tries its
// candidates in order and continues probing upward from the last candidate;
// any other base probes linearly from itself.
func (a *Allocator) Find(ctx context.Context, preferredBase int) (int, error) {
	if preferredBase <= 0 || preferredBase >= MaxPort {
		return 0, fmt.Errorf("invalid base port %d", preferredBase)
	}
	probe := a.Probe
	if probe == nil {
		probe = Available
	}
	logger := a.logger()

	next := preferredBase
	if cands, ok := a.Candidates[preferredBase]; ok && len(cands) > 0 {
		for _, p := range cands {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			if probe(ctx, p) {
				metrics.IncPortAllocation("candidate")
				logger.Info("port selected", slog.Int("port", p), slog.String("source", "candidate"))
				return p, nil
			}
			logger.Debug("candidate port busy", slog.Int("port", p))
		}
		next = cands[len(cands)-1] + 1
	}
	for p := next; p < MaxPort; p++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if probe(ctx, p) {
			metrics.IncPortAllocation("probe")
			logger.Info("port selected", slog.Int("port", p), slog.String("source", "probe"))
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: searched from %d", ErrNoFreePort, preferredBase)
}

func (a *Allocator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Available runs the two-phase check: no listener in the OS socket table
// and a successful temporary bind on all interfaces.
func Available(ctx context.Context, port int) bool {
	if listening, err := Listening(ctx, port); err == nil && listening {
		return false
	}
	return Bindable(port)
}

// Bindable reports whether a TCP listener can be bound on all interfaces.
func Bindable(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
