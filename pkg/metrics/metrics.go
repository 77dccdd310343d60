// Package metrics exposes Prometheus instrumentation for the policy
// engine: operation outcomes, control-plane dispatches, FUP sweep runs
// and daemon reloads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. All record methods are
// nil-safe so callers can run without instrumentation.
type Metrics struct {
	operationsTotal *prometheus.CounterVec

	dispatchesTotal        *prometheus.CounterVec
	dispatchLatencySeconds *prometheus.HistogramVec

	sweepRunsTotal       prometheus.Counter
	sweepUsersTotal      *prometheus.CounterVec
	sweepDurationSeconds prometheus.Histogram

	reloadsTotal *prometheus.CounterVec

	probesTotal *prometheus.CounterVec
}

// New creates a new Metrics instance.
func New() *Metrics {
	return &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radman_operations_total",
				Help: "Engine operations by name and result",
			},
			[]string{"operation", "result"},
		),

		dispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radman_dispatches_total",
				Help: "Control-plane dispatches by command and result",
			},
			[]string{"command", "result"},
		),

		dispatchLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radman_dispatch_latency_seconds",
				Help:    "Control-plane dispatch latency by command",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"command"},
		),

		sweepRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radman_sweep_runs_total",
				Help: "Completed FUP sweep runs",
			},
		),

		sweepUsersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radman_sweep_users_total",
				Help: "Users processed by the FUP sweep by status",
			},
			[]string{"status"},
		),

		sweepDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radman_sweep_duration_seconds",
				Help:    "Wall-clock duration of a full FUP sweep",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
			},
		),

		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radman_reloads_total",
				Help: "AAA daemon reload attempts by result",
			},
			[]string{"result"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radman_probes_total",
				Help: "NAS connectivity probes by result",
			},
			[]string{"result"},
		),
	}
}

// Register registers all metrics with Prometheus.
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.operationsTotal,
		m.dispatchesTotal,
		m.dispatchLatencySeconds,
		m.sweepRunsTotal,
		m.sweepUsersTotal,
		m.sweepDurationSeconds,
		m.reloadsTotal,
		m.probesTotal,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// RecordOperation records one engine operation outcome.
func (m *Metrics) RecordOperation(operation string, success bool) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, result(success)).Inc()
}

// RecordDispatch records one control-plane dispatch and its latency.
func (m *Metrics) RecordDispatch(command string, success bool, latencySeconds float64) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(command, result(success)).Inc()
	m.dispatchLatencySeconds.WithLabelValues(command).Observe(latencySeconds)
}

// RecordSweep records a completed sweep run.
func (m *Metrics) RecordSweep(durationSeconds float64) {
	if m == nil {
		return
	}
	m.sweepRunsTotal.Inc()
	m.sweepDurationSeconds.Observe(durationSeconds)
}

// RecordSweepUser records one user processed by the sweep.
func (m *Metrics) RecordSweepUser(status string) {
	if m == nil {
		return
	}
	m.sweepUsersTotal.WithLabelValues(status).Inc()
}

// RecordReload records a daemon reload attempt.
func (m *Metrics) RecordReload(success bool) {
	if m == nil {
		return
	}
	m.reloadsTotal.WithLabelValues(result(success)).Inc()
}

// RecordProbe records a NAS connectivity probe.
func (m *Metrics) RecordProbe(reachable bool) {
	if m == nil {
		return
	}
	if reachable {
		m.probesTotal.WithLabelValues("reachable").Inc()
		return
	}
	m.probesTotal.WithLabelValues("unreachable").Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
