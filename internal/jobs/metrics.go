package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and ledger posting.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	postings      *prometheus.CounterVec
	discrepancies *prometheus.CounterVec
	eliminations  prometheus.Counter
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
	return err
}

// RecordPosting counts one posting attempt by outcome.
func (m *Metrics) RecordPosting(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.postings.WithLabelValues(outcome).Inc()
}

// AddDiscrepancies increments the balance discrepancy counter for a tenant.
func (m *Metrics) AddDiscrepancies(tenantID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	tenant := "0"
	if tenantID > 0 {
		tenant = strconv.FormatInt(tenantID, 10)
	}
	m.discrepancies.WithLabelValues(tenant).Add(float64(count))
}

// AddEliminations counts intercompany pairs flagged as eliminated.
func (m *Metrics) AddEliminations(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.eliminations.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_gl_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_gl_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_gl_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_gl_postings_total",
		Help: "Posting attempts partitioned by outcome.",
	}, []string{"outcome"})
	discrepancies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_gl_balance_discrepancies_total",
		Help: "Stored ledger balances disagreeing with a replay of posted lines.",
	}, []string{"tenant"})
	eliminations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_gl_ic_eliminations_total",
		Help: "Intercompany pairs flagged as eliminated.",
	})
	registerer.MustRegister(runs, failures, duration, postings, discrepancies, eliminations)
	return &Metrics{
		runs:          runs,
		failures:      failures,
		duration:      duration,
		postings:      postings,
		discrepancies: discrepancies,
		eliminations:  eliminations,
	}
}
