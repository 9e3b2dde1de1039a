/*
Package storage persists service status, downtime history, consolidated
SLA rows and consolidation progress.

Two backends implement the Store interface: MongoStorage for production
deployments and BoltStorage for local runs and tests. Both follow the
same deliberately non-transactional update protocol, so the self-healing
behavior can be exercised end to end against the embedded backend.

# Architecture

	┌───────────────────── STORAGE ──────────────────────────┐
	│                                                         │
	│   monitor ──UpdateStatus──►  ┌───────────────────┐      │
	│   consolidation ──SLA/────►  │   Store interface │      │
	│   instance ──Heartbeat────►  └─────────┬─────────┘      │
	│                                        │                │
	│                   ┌────────────────────┴───────────┐    │
	│                   ▼                                ▼    │
	│        ┌────────────────────┐            ┌──────────────┴──┐
	│        │   MongoStorage     │            │   BoltStorage   │
	│        │  uptime            │            │  services       │
	│        │  uptime_history    │            │  downtimes      │
	│        │  daily_uptime      │            │  sla_daily      │
	│        │  weekly_uptime     │            │  sla_weekly     │
	│        │  monthly_uptime    │            │  sla_monthly    │
	│        │  consolidation_st. │            │  consolidation  │
	│        │  instance_state    │            │  instance       │
	│        └────────────────────┘            └─────────────────┘
	│                                                         │
	└─────────────────────────────────────────────────────────┘

# Update Protocol

UpdateStatus receives every status transition from the monitor, plus the
self-heal re-reports. The sequence is fixed:

 1. Resolve the service record, by cached ID or identity query. A record
    seen for the first time is inserted (always with status OK), the
    reported status applied on top, and a downtime opened when the first
    report is a failure.
 2. Compare the stored status with the report. When they match, only the
    downtime side is checked: a healthy record with an open downtime
    closes it, a failed record without one opens it. This heals a crash
    that landed between the two writes of an earlier update.
 3. When they differ, the status is written first and the downtime
    second. A transition to FAIL opens a downtime only if none is open,
    so a service never carries two open windows.

All writes are single-document operations. There is no transaction
across the status write and the downtime write; instead every reachable
intermediate state converges on the next update for the same service.

# Downtimes and SLA

A downtime window stores its start, its end (zero while open) and the
diagnostic extra of the check that opened it. SLA over a range sums the
clipped overlap of the windows with the range:

	SLA = 100 - downSeconds * 100 / rangeSeconds

Open windows and windows running past the range end are clipped at the
range end, windows starting before the range at the range start, and the
sum is clamped at the range duration.

# Consolidation State

Watermarks (one per period kind) hold the next consolidation trigger as
a period boundary. The SLA consolidator reads them on start, writes them
after finishing a period, and the consolidated rows are upserted keyed
by service and period start, which makes re-running a period an
overwrite instead of a duplicate.

# Instance State

A single fixed-ID row carries the heartbeat of the active instance.
Heartbeat performs a conditional update that only matches when the
stored timestamp is old enough; the matched count tells the caller
whether it holds the lock. The row is created by EnsureInstance and
never upserted by Heartbeat, so two instances can never both see their
own write win.

# Backends

MongoStorage (go.mongodb.org/mongo-driver) is the production backend.
It bootstraps collections and indexes on startup and keeps resolved
service and open-downtime ObjectIDs in a patrickmn/go-cache cache, so a
steady-state update costs one read and at most two writes.

BoltStorage (go.etcd.io/bbolt) stores JSON records in buckets, one file,
no external process. Identity lookups scan the services bucket, which is
fine at monitoring fleet sizes. Each protocol step runs in its own
transaction to keep the crash semantics aligned with Mongo.

# Usage

	store, err := storage.NewMongoStorage(ctx, storage.MongoConfig{
		URI: "mongodb://localhost:27017",
		DB:  "cloud-uptime",
	})
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	m := monitor.New(cfg, store.UpdateStatus)

# See Also

  - pkg/monitor: produces the status transitions stored here
  - pkg/consolidation: reads downtimes, writes SLA rows and watermarks
  - pkg/instance: drives the heartbeat row
*/
package storage
