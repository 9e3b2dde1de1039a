// Package consolidation runs the two background loops that turn raw
// downtime history into reporting data.
//
// The SLA consolidator computes one availability row per service for
// every completed day, ISO week and calendar month. Progress is a
// durable watermark per period kind holding the next trigger time, so a
// daemon that was down across period boundaries catches up one period
// at a time on the next start, and a pass that fails mid-period is
// retried without skipping or duplicating rows.
//
// The status consolidator maintains the smoothed public status: a
// service shows as down only once an open downtime has lasted the
// configured threshold, and flips back as soon as the downtime closes.
// It writes only on change, so steady state costs reads only.
//
// Both implement Consolidator. Stop signals, Wait joins; the server
// signals all consolidators before stopping the monitor and waits
// afterwards, keeping shutdown prompt even when a pass is running.
package consolidation
