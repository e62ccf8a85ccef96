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

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "launches_total",
			Help:      "Number of start commands issued, by launch kind and result.",
		}, []string{"name", "kind", "result"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of restarts triggered by the restart policy.",
		}, []string{"name"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops, split by whether a forced kill was needed.",
		}, []string{"name", "forced"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between service states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Number of health probes, by result.",
		}, []string{"name", "result"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackup",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	healthPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "system",
			Name:      "health_percent",
			Help:      "Share of services in the Running state.",
		},
	)
	ready = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "system",
			Name:      "ready",
			Help:      "Readiness overall (tag=\"\") and per tag (1 = ready).",
		}, []string{"tag"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, restarts, stops, stateTransitions, currentStates, probes, probeDuration, healthPercent, ready}
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

// The helpers below no-op until Register has been called.

func IncLaunch(name, kind string, ok bool) {
	if regOK.Load() {
		launches.WithLabelValues(name, kind, result(ok)).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		restarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		stops.WithLabelValues(name, f).Inc()
	}
}

// RecordStateTransition counts the transition and moves the current_state
// gauge from one state to the other.
func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
		currentStates.WithLabelValues(name, from).Set(0)
		currentStates.WithLabelValues(name, to).Set(1)
	}
}

func ObserveProbe(name string, ok bool, seconds float64) {
	if regOK.Load() {
		probes.WithLabelValues(name, result(ok)).Inc()
		probeDuration.WithLabelValues(name).Observe(seconds)
	}
}

// SetReadiness publishes an aggregate snapshot.
func SetReadiness(percent float64, overall bool, byTag map[string]bool) {
	if regOK.Load() {
		healthPercent.Set(percent)
		ready.WithLabelValues("").Set(boolValue(overall))
		for tag, ok := range byTag {
			ready.WithLabelValues(tag).Set(boolValue(ok))
		}
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
