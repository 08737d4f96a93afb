package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	violations  *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	if err == nil {
		t.metrics.SetLastSuccess(t.job, time.Now())
	}
	return err
}

// AddIntegrityViolations counts ledger integrity violations found for a tenant.
func (m *Metrics) AddIntegrityViolations(tenant, code string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if tenant == "" {
		tenant = "unknown"
	}
	m.violations.WithLabelValues(tenant, code).Add(float64(count))
}

// SetLastSuccess records the completion time of a job run.
func (m *Metrics) SetLastSuccess(job string, at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.WithLabelValues(job).Set(float64(at.Unix()))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_integrity_violations_total",
		Help: "Ledger integrity violations grouped by tenant and code.",
	}, []string{"tenant", "code"})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job.",
	}, []string{"job"})
	registerer.MustRegister(runs, failures, duration, violations, lastSuccess)
	return &Metrics{runs: runs, failures: failures, duration: duration, violations: violations, lastSuccess: lastSuccess}
}
