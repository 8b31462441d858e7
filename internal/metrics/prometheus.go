// Package metrics exposes ingestion pipeline measurements to Prometheus.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/retailingest/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestionMetrics records run outcomes, durations and row counts. Every
// metric name is prefixed with the service name.
type IngestionMetrics struct {
	serviceName string

	runsTotal       *prometheus.CounterVec
	rejectedTotal   *prometheus.CounterVec
	rowsTotal       *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	inProgress      prometheus.Gauge
	droppedEvents   prometheus.Counter
}

// New registers the ingestion metrics with reg.
func New(serviceName string, reg prometheus.Registerer) *IngestionMetrics {
	prefix := sanitize(serviceName)
	m := &IngestionMetrics{serviceName: prefix}

	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_ingestion_runs_total", prefix),
			Help: "Ingestion runs by terminal status",
		},
		[]string{"status"},
	)
	m.rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_ingestion_submissions_rejected_total", prefix),
			Help: "Uploads rejected before a worker was started",
		},
		[]string{"reason"},
	)
	m.rowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_ingestion_rows_total", prefix),
			Help: "Data rows processed by outcome",
		},
		[]string{"outcome"},
	)
	m.durationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_ingestion_duration_seconds", prefix),
			Help:    "Wall-clock time from submission to terminal status",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)
	m.inProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: fmt.Sprintf("%s_ingestion_in_progress", prefix),
		Help: "Ingestion runs currently supervised",
	})
	m.droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: fmt.Sprintf("%s_progress_events_dropped_total", prefix),
		Help: "Progress events skipped because an observer was too slow",
	})

	reg.MustRegister(
		m.runsTotal,
		m.rejectedTotal,
		m.rowsTotal,
		m.durationSeconds,
		m.inProgress,
		m.droppedEvents,
	)
	return m
}

func (m *IngestionMetrics) RunStarted() {
	m.inProgress.Inc()
}

func (m *IngestionMetrics) RunFinished(status domain.IngestionStatus, duration time.Duration, stats *domain.IngestionStats) {
	m.inProgress.Dec()
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.durationSeconds.WithLabelValues(string(status)).Observe(duration.Seconds())
	if stats != nil {
		m.rowsTotal.WithLabelValues("accepted").Add(float64(stats.RowsAccepted))
		m.rowsTotal.WithLabelValues("rejected").Add(float64(stats.RowsRejected))
	}
}

func (m *IngestionMetrics) SubmitRejected(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// EventDropped is wired as the broadcast hub's drop hook.
func (m *IngestionMetrics) EventDropped() {
	m.droppedEvents.Inc()
}

func sanitize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "retailingest"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}
