package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	activeSessions   prometheus.Gauge
	abortsTotal      *prometheus.CounterVec
	approvalsTotal   *prometheus.CounterVec
	approvalWait     prometheus.Histogram
	pendingApprovals prometheus.Gauge
	envelopesDropped prometheus.Counter
	rawLinesTotal    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_runs_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conduit_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
				},
				[]string{"provider"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conduit_active_sessions",
					Help: "Current number of registered sessions.",
				},
			),
			abortsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_aborts_total",
					Help: "Abort requests by outcome (aborted, not_found).",
				},
				[]string{"outcome"},
			),
			approvalsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_approvals_total",
					Help: "Tool permission decisions by outcome.",
				},
				[]string{"outcome"},
			),
			approvalWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conduit_approval_wait_seconds",
					Help:    "Time an interactive approval stayed pending.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
				},
			),
			pendingApprovals: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conduit_pending_approvals",
					Help: "Current number of interactive approvals awaiting a decision.",
				},
			),
			envelopesDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "conduit_envelopes_dropped_total",
					Help: "Envelopes dropped by sinks whose buffer was full.",
				},
			),
			rawLinesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conduit_raw_lines_total",
					Help: "Engine output lines forwarded as raw output, by provider.",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.runsTotal,
			m.runDuration,
			m.activeSessions,
			m.abortsTotal,
			m.approvalsTotal,
			m.approvalWait,
			m.pendingApprovals,
			m.envelopesDropped,
			m.rawLinesTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.runsTotal.WithLabelValues(provider, status).Inc()
	m.runDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordAbort(found bool) {
	m := getMetrics()
	outcome := "not_found"
	if found {
		outcome = "aborted"
	}
	m.abortsTotal.WithLabelValues(outcome).Inc()
}

func RecordApproval(outcome string) {
	m := getMetrics()
	m.approvalsTotal.WithLabelValues(outcome).Inc()
}

func RecordApprovalWait(duration time.Duration) {
	m := getMetrics()
	m.approvalWait.Observe(duration.Seconds())
}

func SetPendingApprovals(count int) {
	m := getMetrics()
	m.pendingApprovals.Set(float64(count))
}

func RecordEnvelopeDropped() {
	m := getMetrics()
	m.envelopesDropped.Inc()
}

func RecordRawLine(provider string) {
	m := getMetrics()
	m.rawLinesTotal.WithLabelValues(provider).Inc()
}
