package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Monitoring metrics
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uptimed_checks_total",
			Help: "Total number of service checks by kind and reported status",
		},
		[]string{"kind", "status"},
	)

	SoftRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uptimed_soft_retries_total",
			Help: "Total number of fast retries for soft failures",
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uptimed_transitions_total",
			Help: "Total number of status transitions notified to storage",
		},
		[]string{"kind", "status"},
	)

	NotifyFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uptimed_notify_failures_total",
			Help: "Total number of transition notifications rejected by storage",
		},
	)

	ServicesMonitored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "uptimed_services_monitored",
			Help: "Number of services currently monitored",
		},
	)

	TasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "uptimed_tasks_active",
			Help: "Number of check tasks currently allocated",
		},
	)

	RoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uptimed_round_duration_seconds",
			Help:    "Duration of one task check round in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RoundOverrunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uptimed_round_overruns_total",
			Help: "Total number of check rounds that exceeded the check period",
		},
	)

	// Consolidation metrics
	ConsolidationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uptimed_consolidation_runs_total",
			Help: "Total number of consolidation passes by kind and result",
		},
		[]string{"kind", "result"},
	)

	ConsolidationWatermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uptimed_consolidation_watermark",
			Help: "Next consolidation trigger time by kind, as a unix timestamp",
		},
		[]string{"kind"},
	)

	PublicStatusWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uptimed_public_status_writes_total",
			Help: "Total number of public status changes written",
		},
	)

	// Instance metrics
	InstanceActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "uptimed_instance_active",
			Help: "Whether this instance holds the active lock (1 = active)",
		},
	)

	HeartbeatFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uptimed_heartbeat_failures_total",
			Help: "Total number of instance heartbeats that did not match",
		},
	)

	// Storage metrics
	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uptimed_storage_op_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ChecksTotal)
	prometheus.MustRegister(SoftRetriesTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(NotifyFailuresTotal)
	prometheus.MustRegister(ServicesMonitored)
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(RoundDuration)
	prometheus.MustRegister(RoundOverrunsTotal)
	prometheus.MustRegister(ConsolidationRunsTotal)
	prometheus.MustRegister(ConsolidationWatermark)
	prometheus.MustRegister(PublicStatusWritesTotal)
	prometheus.MustRegister(InstanceActive)
	prometheus.MustRegister(HeartbeatFailuresTotal)
	prometheus.MustRegister(StorageOpDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
