// Package detector answers "is this process still running?" for processes the
// launcher did not necessarily start itself.
package detector

import (
	"context"
	"fmt"
	"regexp"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects by pid. When StartUnix is set, a process whose start
// time differs is treated as a recycled pid and reported as not alive.
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() (bool, error) {
	if !PIDAlive(d.PID) {
		return false, nil
	}
	if d.StartUnix > 0 {
		if cur := StartTime(d.PID); cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// Finder lists pids whose command line matches a pattern.
type Finder interface {
	Find(ctx context.Context, pattern *regexp.Regexp) ([]int, error)
}

// CommandLineDetector reports alive when any process command line matches Pattern.
type CommandLineDetector struct {
	Pattern *regexp.Regexp
	Finder  Finder
}

func (d CommandLineDetector) Alive() (bool, error) {
	if d.Pattern == nil || d.Finder == nil {
		return false, nil
	}
	pids, err := d.Finder.Find(context.Background(), d.Pattern)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

func (d CommandLineDetector) Describe() string {
	if d.Pattern == nil {
		return "cmdline:"
	}
	return "cmdline:" + d.Pattern.String()
}
