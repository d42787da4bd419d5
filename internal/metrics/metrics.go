package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnlauncher",
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Backend start attempts by result (ready, timeout, port_in_use, error).",
		}, []string{"result"},
	)
	backendReady = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "lnlauncher",
			Subsystem: "backend",
			Name:      "ready_seconds",
			Help:      "Time from spawn until the readiness marker was seen.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnlauncher",
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Backend process exits, split by whether readiness had been reached.",
		}, []string{"phase"},
	)
	trackedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lnlauncher",
			Subsystem: "registry",
			Name:      "tracked_processes",
			Help:      "Processes currently owned by the registry.",
		},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnlauncher",
			Subsystem: "registry",
			Name:      "terminations_total",
			Help:      "Forced terminations issued, by role.",
		}, []string{"role"},
	)
	killAllRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnlauncher",
			Subsystem: "registry",
			Name:      "kill_all_total",
			Help:      "Kill-all sweeps, by outcome (completed, skipped).",
		}, []string{"outcome"},
	)
	discoveryScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnlauncher",
			Subsystem: "registry",
			Name:      "discovery_scans_total",
			Help:      "Process-table discovery scans, by role and result (found, miss, error).",
		}, []string{"role", "result"},
	)
	portAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnlauncher",
			Subsystem: "port",
			Name:      "allocations_total",
			Help:      "Ports allocated, by source (candidate, probe).",
		}, []string{"source"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{backendStarts, backendReady, backendExits, trackedProcesses, terminations, killAllRuns, discoveryScans, portAllocations}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has succeeded.

func IncBackendStart(result string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(result).Inc()
	}
}

func ObserveBackendReady(seconds float64) {
	if regOK.Load() {
		backendReady.Observe(seconds)
	}
}

func IncBackendExit(phase string) {
	if regOK.Load() {
		backendExits.WithLabelValues(phase).Inc()
	}
}

func SetTracked(n int) {
	if regOK.Load() {
		trackedProcesses.Set(float64(n))
	}
}

func IncTermination(role string) {
	if regOK.Load() {
		terminations.WithLabelValues(role).Inc()
	}
}

func IncKillAll(outcome string) {
	if regOK.Load() {
		killAllRuns.WithLabelValues(outcome).Inc()
	}
}

func IncDiscovery(role, result string) {
	if regOK.Load() {
		discoveryScans.WithLabelValues(role, result).Inc()
	}
}

func IncPortAllocation(source string) {
	if regOK.Load() {
		portAllocations.WithLabelValues(source).Inc()
	}
}
