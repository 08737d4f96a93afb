package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PostingMetrics records ledger posting outcomes and latency.
type PostingMetrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPostingMetrics registers the posting collectors on registerer.
func NewPostingMetrics(registerer prometheus.Registerer) *PostingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_postings_total",
		Help: "Ledger posting attempts partitioned by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_posting_duration_seconds",
		Help:    "Time spent posting a ledger transaction, including replays.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"outcome"})
	registerer.MustRegister(outcomes, duration)
	return &PostingMetrics{outcomes: outcomes, duration: duration}
}

// ObservePost implements the poster's outcome recorder.
func (m *PostingMetrics) ObservePost(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
