package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mandatory_use"

// Metrics is a per-run registry written out as a node-exporter textfile.
type Metrics struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.GaugeVec
	records       *prometheus.GaugeVec
	searchRate    prometheus.Gauge
	completed     prometheus.Gauge
	info          *prometheus.GaugeVec
	runID         string
}

func NewMetrics(runID string) *Metrics {
	m := &Metrics{
		runID:    runID,
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time spent in each pipeline stage of the last run",
			},
			[]string{"stage"},
		),
		records: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "records",
				Help:      "Record counts of the last run by kind",
			},
			[]string{"kind"},
		),
		searchRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "search_rate_percent",
			Help:      "Overall search rate of the last run",
		}),
		completed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_completed_timestamp_seconds",
			Help:      "Unix time the last run completed",
		}),
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_info",
				Help:      "Identity of the last run",
			},
			[]string{"run_id", "period"},
		),
	}
	m.registry.MustRegister(m.stageDuration, m.records, m.searchRate, m.completed, m.info)
	return m
}

// SetPeriod labels the run once its period is known.
func (m *Metrics) SetPeriod(period string) {
	m.info.Reset()
	m.info.WithLabelValues(m.runID, period).Set(1)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Set(d.Seconds())
}

func (m *Metrics) SetCount(kind string, n int) {
	m.records.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) SetSearchRate(rate float64) {
	m.searchRate.Set(rate)
}

func (m *Metrics) MarkCompleted(at time.Time) {
	m.completed.Set(float64(at.Unix()))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile atomically writes the registry to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
