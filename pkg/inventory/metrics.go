package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Movement outcome labels
const (
	resultApplied  = "applied"
	resultRejected = "rejected"
	resultFailed   = "failed"
)

// Metrics holds ledger Prometheus metrics on a private registry.
// A nil *Metrics is valid and records nothing.
// 台帳のPrometheusメトリクス
type Metrics struct {
	registry *prometheus.Registry

	// MovementsTotal counts movements by type and outcome
	// Labels: type, result
	MovementsTotal *prometheus.CounterVec

	// MovementDuration tracks time spent applying a movement
	// Labels: type
	MovementDuration *prometheus.HistogramVec

	// Alerts is the number of alerts found by the last scan
	// Labels: kind, level
	Alerts *prometheus.GaugeVec
}

// NewMetrics creates a registry with the Go runtime collectors and the ledger metrics
// 新しいメトリクスを作成
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		MovementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pharmaledger_movements_total",
				Help: "Total number of stock movements by type and result",
			},
			[]string{"type", "result"},
		),
		MovementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pharmaledger_movement_duration_seconds",
				Help:    "Time taken to apply a stock movement",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Alerts: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pharmaledger_alerts",
				Help: "Number of alerts found by the last scan by kind and level",
			},
			[]string{"kind", "level"},
		),
	}
}

// Registry returns the registry to expose through promhttp
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeMovement(t TransactionType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := string(t)
	if !t.IsValid() {
		label = "unknown"
	}
	m.MovementsTotal.WithLabelValues(label, result).Inc()
	m.MovementDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m *Metrics) setAlertCounts(kind string, counts map[string]int) {
	if m == nil {
		return
	}
	m.Alerts.DeletePartialMatch(prometheus.Labels{"kind": kind})
	for level, n := range counts {
		m.Alerts.WithLabelValues(kind, level).Set(float64(n))
	}
}
