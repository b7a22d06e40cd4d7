package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yarkm13/ftpspoll/internal/fetch"
)

// Metrics are the Prometheus collectors updated by pollers.
type Metrics struct {
	cycles        *prometheus.CounterVec
	files         *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	deleteFailed  *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	trackedFiles  *prometheus.GaugeVec
}

// NewMetrics registers the poll collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpspoll_cycles_total",
				Help: "Total number of poll cycles",
			},
			[]string{"poller", "result"},
		),
		files: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpspoll_files_total",
				Help: "Total number of remote entries handled, by outcome",
			},
			[]string{"poller", "status"},
		),
		bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpspoll_bytes_retrieved_total",
				Help: "Total bytes written to the sink",
			},
			[]string{"poller"},
		),
		deleteFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpspoll_delete_failures_total",
				Help: "Retrieved files whose remote delete failed",
			},
			[]string{"poller"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ftpspoll_cycle_duration_seconds",
				Help:    "Duration of poll cycles",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"poller"},
		),
		trackedFiles: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ftpspoll_tracked_files",
				Help: "Number of files remembered by the duplicate tracker",
			},
			[]string{"poller"},
		),
	}
}

func (m *Metrics) observe(s *Summary, tracked int) {
	if m == nil {
		return
	}
	result := "ok"
	if s.Err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(s.Poller, result).Inc()
	m.files.WithLabelValues(s.Poller, string(fetch.StatusRetrieved)).Add(float64(s.Retrieved))
	m.files.WithLabelValues(s.Poller, string(fetch.StatusSkippedDuplicate)).Add(float64(s.SkippedDuplicate))
	m.files.WithLabelValues(s.Poller, string(fetch.StatusSkippedFiltered)).Add(float64(s.SkippedFiltered))
	m.files.WithLabelValues(s.Poller, string(fetch.StatusFailed)).Add(float64(s.Failed))
	m.files.WithLabelValues(s.Poller, "ignored").Add(float64(len(s.Ignored)))
	m.bytes.WithLabelValues(s.Poller).Add(float64(s.Bytes))
	m.deleteFailed.WithLabelValues(s.Poller).Add(float64(s.DeleteFailed))
	m.cycleDuration.WithLabelValues(s.Poller).Observe(s.Duration().Seconds())
	m.trackedFiles.WithLabelValues(s.Poller).Set(float64(tracked))
}
