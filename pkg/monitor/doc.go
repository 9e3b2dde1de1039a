// Package monitor schedules health checks and detects status transitions.
//
// The monitor owns every monitored service, grouped by the provider that
// registered it, and spreads the services across check tasks. Each task is
// one goroutine probing its slice of services in rounds.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                          Monitor                            │
//	│                                                             │
//	│  providers                      tasks                       │
//	│  ┌──────────────────────┐       ┌──────────────────────┐    │
//	│  │ "default"   [s1, s2] │       │ task 1f3a  [s1 … s15]│    │
//	│  │ "ingress:…" [s3, s4] │  ──►  │ task 9c02  [s16 …]   │    │
//	│  │ "file:…"    [s5]     │       └──────────┬───────────┘    │
//	│  └──────────────────────┘                  │                │
//	│                                            ▼                │
//	│                              round: check → observe → notify│
//	└─────────────────────────────────────────────────────────────┘
//
// # Scheduling
//
// Services are bin-packed onto tasks first-fit: a new service lands on the
// first task with free capacity, and a fresh task is created only when
// every existing one is full. A task created while the monitor runs starts
// immediately; a task emptied by removals is stopped and dropped.
//
// Every task runs rounds. A round checks each service sequentially,
// measures its own duration and sleeps the remainder of the check period.
// A round that overruns the period logs a warning, increments
// uptimed_round_overruns_total and starts the next round without sleeping.
//
// # Transitions
//
// Check results feed service.State, which keeps the consecutive failure
// counter and the last stored status. A failure below the attempt
// threshold is soft: the stored status stays OK and the task re-checks
// after the fast-retry delay instead of waiting a full round, so a real
// outage is confirmed within seconds while a flap clears silently.
//
// The notifier is called exactly when the stored status changes: on the
// first OK after unknown or failed, and on the check that turns a failure
// hard. When the notifier returns an error the stored status is forgotten,
// which makes the next round detect the same transition again. Storage
// being down therefore delays a report, it never loses one.
//
// # Shutdown
//
// Stop signals every task before waiting on any, then joins them all.
// Signalling cancels the probe context, so a check blocked on a dead
// target unblocks immediately instead of holding up shutdown for the
// probe timeout.
//
// # Usage
//
//	m := monitor.New(monitor.Config{}, store.UpdateStatus)
//	m.Add(svc, monitor.DefaultProvider)
//	m.Start()
//	defer m.Stop()
//
// # See Also
//
//   - pkg/service: probe implementations and per-service check state
//   - pkg/provider: dynamic registration of ingress and file services
//   - pkg/storage: the notify target persisting transitions
package monitor
