/*
Package service defines the probed targets of uptimed and their check state.

A Service is an immutable description of one target plus the ability to probe
it once. All mutable bookkeeping, the consecutive failure counter and the
status last stored through a notification, lives in State so that services
can be shared, compared and rebuilt freely by providers.

# Architecture

	┌───────────────────────── SERVICE LAYER ─────────────────────────┐
	│                                                                  │
	│  ┌────────────────────────────────────────────────┐             │
	│  │              Service (interface)                │             │
	│  │  Kind / Category / NS / Description             │             │
	│  │  Key(): identity over every field               │             │
	│  │  Check(ctx) → (Status, Extra)                   │             │
	│  └───────┬────────────────────────────────────────┘             │
	│          │ implemented by                                        │
	│  ┌───────▼───────┬──────────┬──────────┬───────────┬─────────┐  │
	│  │ IngressService│ Mongo    │ Postgres │ Kubernetes│ ...     │  │
	│  │ GET url       │ Ping     │ Ping     │ Nodes()   │         │  │
	│  │ 200 == OK     │ primary  │          │ Unknown % │         │  │
	│  └───────────────┴──────────┴──────────┴───────────┴─────────┘  │
	│                                                                  │
	│  ┌────────────────────────────────────────────────┐             │
	│  │                    State                        │             │
	│  │  failures: consecutive FAIL count               │             │
	│  │  status:   last stored status (starts UNKNOWN)  │             │
	│  │  Observe(reported) → previous stored status     │             │
	│  │  SoftFailure / HardFailure / Reset              │             │
	│  └────────────────────────────────────────────────┘             │
	└──────────────────────────────────────────────────────────────────┘

# Status Model

A probe reports StatusOK or StatusFail; StatusUnknown exists only in memory
to mark "never checked" and is not a value storage accepts. Failures are
debounced: until a service fails DefaultAttempts times in a row, the failure
is soft and the stored status remains OK. Observe returns the previously
stored status, which is what the monitor compares against to detect
transitions.

The sequence for a service that dies and recovers (attempts = 3):

	check    reported   counter   stored    soft   hard
	  1        FAIL        1        OK       yes    no
	  2        FAIL        2        OK       yes    no
	  3        FAIL        3        FAIL     no     yes   ← transition
	  4        OK          0        OK       no     no    ← transition

# Probe Catalog

  - IngressService: GET an HTTP health endpoint, healthy iff exactly 200.
    Optional headers for gateway authentication. Built by the ingress
    provider or declared statically.
  - MongoService: connect and ping the primary within 5s.
  - PostgresService: connect and ping within 5s.
  - RedisService: PING with optional AUTH within 5s.
  - KubernetesService: list nodes and require the percentage without an
    Unknown condition to reach the availability threshold.
  - SearchService: search-cluster readiness endpoint, optional API key.

Every probe converts transport errors into (StatusFail,
Extra{"exception": ...}) rather than returning a Go error: a broken probe
and a broken target are the same observation from the monitor's point of
view, and the detail still reaches the downtime record.

# Identity

Key() strings drive deduplication in the monitor and the resolved-ID cache
in storage. Keys cover every distinguishing field, including ones that are
not persisted (a Kubernetes probe at 80% availability and one at 90% are
different services). The persisted identity is the narrower tuple
(category, kind, ns, description) that storage queries on.

# Usage

	svc := service.NewIngressService("web", "site", "https://site.example.com/health").
		WithHeader("apikey", key).
		WithTimeout(2 * time.Second)

	state := service.NewState(svc)
	status, extra := svc.Check(ctx)
	previous := state.Observe(status)

# See Also

  - pkg/monitor: drives Check rounds and transition notifications
  - pkg/storage: persists transitions keyed by the identity tuple
  - pkg/provider: discovers and rebuilds ingress services dynamically
*/
package service
