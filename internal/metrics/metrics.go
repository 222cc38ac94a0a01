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

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rcvisor",
			Subsystem: "supervisor",
			Name:      "spawns_total",
			Help:      "Number of child processes started.",
		}, []string{"service"},
	)
	respawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rcvisor",
			Subsystem: "supervisor",
			Name:      "respawns_total",
			Help:      "Number of automatic respawns after an exit or failed health check.",
		}, []string{"service"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rcvisor",
			Subsystem: "supervisor",
			Name:      "exits_total",
			Help:      "Number of child exits by reason.",
		}, []string{"service", "reason"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rcvisor",
			Subsystem: "supervisor",
			Name:      "healthcheck_failures_total",
			Help:      "Number of failed health checks.",
		}, []string{"service"},
	)
	readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rcvisor",
			Subsystem: "supervisor",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn until the child reported readiness.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rcvisor",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rcvisor",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
	supervised = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rcvisor",
			Subsystem: "master",
			Name:      "supervised_services",
			Help:      "Number of services with a live supervisor.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, respawns, exits, healthFailures, readyDuration, stateTransitions, currentStates, supervised}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by the supervisor to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(service string) {
	if regOK.Load() {
		spawns.WithLabelValues(service).Inc()
	}
}

func IncRespawn(service string) {
	if regOK.Load() {
		respawns.WithLabelValues(service).Inc()
	}
}

func IncExit(service, reason string) {
	if regOK.Load() {
		exits.WithLabelValues(service, reason).Inc()
	}
}

func IncHealthFailure(service string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(service).Inc()
	}
}

func ObserveReady(service string, seconds float64) {
	if regOK.Load() {
		readyDuration.WithLabelValues(service).Observe(seconds)
	}
}

func SetSupervised(n int) {
	if regOK.Load() {
		supervised.Set(float64(n))
	}
}

// RecordStateTransition counts the transition and moves the current state gauge.
func RecordStateTransition(service, from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(service, from, to).Inc()
	if from != "" {
		currentStates.WithLabelValues(service, from).Set(0)
	}
	currentStates.WithLabelValues(service, to).Set(1)
}
