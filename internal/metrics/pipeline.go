package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline Prometheus metrics.
var (
	AssetMaterializationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "asset_materializations_total",
			Help:      "Asset evaluations by outcome (materialized, skipped, failed, blocked, cancelled)",
		},
		[]string{"asset", "outcome"},
	)

	AssetDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "asset_materialization_duration_seconds",
			Help:      "Time spent materializing an asset",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"asset"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status",
		},
		[]string{"status"},
	)

	RecordsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_rejected_total",
			Help:      "Raw records excluded by schema validation",
		},
		[]string{"source"},
	)

	ClustersFound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "clusters_found",
			Help:      "Number of clusters in the latest clustering",
		},
	)

	NoiseRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "noise_ratio",
			Help:      "Share of points labelled noise in the latest clustering",
		},
	)
)

var pipelineMetricsRegistered bool

// RegisterPipelineMetrics registers Prometheus pipeline metrics. Must be called once from main.
func RegisterPipelineMetrics() {
	if pipelineMetricsRegistered {
		return
	}
	prometheus.MustRegister(AssetMaterializationsTotal)
	prometheus.MustRegister(AssetDuration)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RecordsRejectedTotal)
	prometheus.MustRegister(ClustersFound)
	prometheus.MustRegister(NoiseRatio)
	pipelineMetricsRegistered = true
}
