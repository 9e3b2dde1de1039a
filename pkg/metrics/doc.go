/*
Package metrics provides Prometheus metrics collection and exposition for uptimed.

The metrics package defines and registers all uptimed metrics using the
Prometheus client library, providing observability into check throughput,
transition rates, consolidation progress, and storage latency. Metrics are
exposed via HTTP endpoint for scraping by Prometheus servers, next to the
component health endpoints used by orchestration probes.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                             │          │
	│  │  Monitoring: checks, transitions, rounds    │          │
	│  │  Consolidation: passes, watermarks          │          │
	│  │  Instance: active flag, heartbeat misses    │          │
	│  │  Storage: operation durations               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │     HTTP Exposition (pkg/server)            │          │
	│  │  /metrics  Prometheus text format           │          │
	│  │  /healthz  component health JSON            │          │
	│  │  /readyz   critical components only         │          │
	│  │  /livez    process liveness                 │          │
	│  └────────────────────────────────────────────┘          │
	└───────────────────────────────────────────────────────────┘

# Metrics Catalog

Monitoring:

	uptimed_checks_total{kind,status}        counter    every probe result
	uptimed_soft_retries_total               counter    fast retries below the attempt threshold
	uptimed_transitions_total{kind,status}   counter    notifications accepted by storage
	uptimed_notify_failures_total            counter    notifications storage rejected
	uptimed_services_monitored               gauge      services currently tracked
	uptimed_tasks_active                     gauge      check tasks allocated
	uptimed_round_duration_seconds           histogram  one task round
	uptimed_round_overruns_total             counter    rounds longer than the check period

Consolidation:

	uptimed_consolidation_runs_total{kind,result}  counter  passes by daily/weekly/monthly and ok/error
	uptimed_consolidation_watermark{kind}          gauge    next trigger time (unix seconds)
	uptimed_public_status_writes_total             counter  public status changes written

Instance:

	uptimed_instance_active                  gauge      1 while this process holds the lock
	uptimed_heartbeat_failures_total         counter    heartbeats that matched no row

Storage:

	uptimed_storage_op_duration_seconds{op}  histogram  per-operation latency

# Component Health

RegisterComponent and UpdateComponent feed a process-wide registry behind
three handlers: HealthHandler reports every component and returns 503 when
any is unhealthy; ReadyHandler checks only the critical set (storage,
monitoring) so a standby instance that has not started monitoring reports
not ready; LivenessHandler always returns 200 while the process runs.

# Usage

Counters and gauges are package-level and used directly:

	metrics.ChecksTotal.WithLabelValues(string(kind), status.String()).Inc()

Latency with a timer:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "update_status")

Keeping monitor gauges current:

	collector := metrics.NewCollector(monitor)
	collector.Start()
	defer collector.Stop()

# Alerting Rules

Useful starting points:

	rate(uptimed_notify_failures_total[5m]) > 0        storage rejecting transitions
	uptimed_round_overruns_total                        monitor saturated, raise max_services
	time() - uptimed_consolidation_watermark > 172800   consolidation stalled
	uptimed_instance_active == 0 for all instances      no active prober

# See Also

  - pkg/monitor: increments the monitoring metrics
  - pkg/consolidation: increments the consolidation metrics
  - pkg/server: mounts Handler and the health handlers
*/
package metrics
