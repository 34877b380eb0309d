// Package metrics exposes Prometheus counters/gauges/histograms for the
// dispatch and session lifecycle: lazily registered package-level
// CounterVec/GaugeVec/HistogramVec collectors behind a Register/Handler
// pair, with no-op helpers until Register has run, under the probehub_*
// namespace and labeled for dispatch outcomes, probe lock contention, and
// session state.
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

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "probehub",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Number of /dispatch requests by mode and outcome status.",
		}, []string{"mode", "status"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "probehub",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Wall time of a to-completion dispatch (flash) or time-to-started (debug/print).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"},
	)
	lockBusyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "probehub",
			Subsystem: "lock",
			Name:      "busy_total",
			Help:      "Number of TryAcquire calls that found the probe already locked.",
		}, []string{"probe_id"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "probehub",
			Subsystem: "session",
			Name:      "active",
			Help:      "Current live sessions per probe (0 or 1; only one session per probe is allowed).",
		}, []string{"probe_id", "mode"},
	)
	sessionStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "probehub",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state machine transitions.",
		}, []string{"probe_id", "from", "to"},
	)
	sessionStopReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "probehub",
			Subsystem: "session",
			Name:      "stopped_total",
			Help:      "Sessions reaching STOPPED, by reason.",
		}, []string{"reason"},
	)
	probesConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "probehub",
			Subsystem: "inventory",
			Name:      "probe_connected",
			Help:      "Whether a configured probe is currently enumerated on the USB bus (1) or not (0).",
		}, []string{"probe_id"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		dispatchTotal, dispatchDuration, lockBusyTotal,
		sessionsActive, sessionStateTransitions, sessionStopReasons, probesConnected,
	}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDispatch(mode, status string) {
	if regOK.Load() {
		dispatchTotal.WithLabelValues(mode, status).Inc()
	}
}

func ObserveDispatchDuration(mode string, seconds float64) {
	if regOK.Load() {
		dispatchDuration.WithLabelValues(mode).Observe(seconds)
	}
}

func IncLockBusy(probeID string) {
	if regOK.Load() {
		lockBusyTotal.WithLabelValues(probeID).Inc()
	}
}

func SetSessionActive(probeID, mode string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		sessionsActive.WithLabelValues(probeID, mode).Set(value)
	}
}

func RecordSessionTransition(probeID, from, to string) {
	if regOK.Load() {
		sessionStateTransitions.WithLabelValues(probeID, from, to).Inc()
	}
}

func IncSessionStopped(reason string) {
	if regOK.Load() {
		sessionStopReasons.WithLabelValues(reason).Inc()
	}
}

func SetProbeConnected(probeID string, connected bool) {
	if regOK.Load() {
		var value float64
		if connected {
			value = 1
		}
		probesConnected.WithLabelValues(probeID).Set(value)
	}
}
