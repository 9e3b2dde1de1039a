package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ypcloud/uptimed/pkg/period"
	"github.com/ypcloud/uptimed/pkg/service"
)

// Backend names accepted in configuration
const (
	BackendMongo = "MongoStorage"
	BackendBolt  = "BoltStorage"
)

var (
	// ErrNotFound marks a lookup for a record that does not exist
	ErrNotFound = errors.New("record not found")

	// ErrNotReady marks a backend that did not answer a readiness probe
	ErrNotReady = errors.New("storage not ready")
)

// ServiceRecord is the persisted identity and status of a monitored
// service. PublicStatus stays nil until the status consolidator writes
// the smoothed status for the first time.
type ServiceRecord struct {
	ID           string          `json:"id"`
	Category     string          `json:"category"`
	Kind         service.Kind    `json:"kind"`
	NS           string          `json:"ns,omitempty"`
	Description  string          `json:"description"`
	Status       service.Status  `json:"status"`
	PublicStatus *service.Status `json:"public_status,omitempty"`
}

// Downtime is one outage window of a service. End stays zero while the
// outage is open.
type Downtime struct {
	ID        string        `json:"id"`
	ServiceID string        `json:"service_id"`
	Start     int64         `json:"start"`
	End       int64         `json:"end,omitempty"`
	Extra     service.Extra `json:"extra,omitempty"`
}

// Open reports whether the outage has not ended yet
func (d *Downtime) Open() bool {
	return d.End == 0
}

// SLAEntry is one consolidated availability row for a service and period
type SLAEntry struct {
	ServiceID string  `json:"service_id"`
	Start     int64   `json:"start"`
	Duration  int64   `json:"duration"`
	SLA       float64 `json:"sla"`
}

// Query filters service records by persisted identity fields. The zero
// value matches everything.
type Query struct {
	Category string
	NS       string
}

// Matches reports whether a record satisfies the filter
func (q Query) Matches(rec *ServiceRecord) bool {
	if q.Category != "" && rec.Category != q.Category {
		return false
	}
	if q.NS != "" && rec.NS != q.NS {
		return false
	}
	return true
}

// Store persists service status, downtime history and consolidation
// progress. Both backends implement the same non-transactional update
// protocol, so a crash between the status write and the downtime write
// leaves a state the next update heals.
type Store interface {
	// Ready reports whether the backend answers
	Ready(ctx context.Context) bool

	// Close releases the backend
	Close(ctx context.Context) error

	// UpdateStatus records a reported status for a probed target,
	// creating the service record on first sight and opening or closing
	// downtimes as the status changes. Matches monitor.NotifyFunc.
	UpdateStatus(ctx context.Context, svc service.Service, status service.Status, extra service.Extra) error

	// Services lists the service records matching the query
	Services(ctx context.Context, q Query) ([]ServiceRecord, error)

	// FindService returns the record for a probed target, or (nil, nil)
	// when the service was never stored
	FindService(ctx context.Context, svc service.Service) (*ServiceRecord, error)

	// Downtimes returns the outage windows overlapping
	// [start, start+duration), oldest first
	Downtimes(ctx context.Context, serviceID string, start, duration int64) ([]Downtime, error)

	// OpenDowntimeSince reports whether the service has an open downtime
	// that started at or before the cutoff
	OpenDowntimeSince(ctx context.Context, serviceID string, before int64) (bool, error)

	// SetPublicStatus writes the smoothed status shown on status pages
	SetPublicStatus(ctx context.Context, serviceID string, status service.Status) error

	// SLA computes the availability percentage over
	// [start, start+duration) from the recorded downtimes
	SLA(ctx context.Context, serviceID string, start, duration int64) (float64, error)

	// Watermark returns the next consolidation trigger for a period
	// kind; ok is false when none is stored yet
	Watermark(ctx context.Context, kind period.Kind) (ts int64, ok bool, err error)

	// SetWatermark durably advances the consolidation trigger
	SetWatermark(ctx context.Context, kind period.Kind, ts int64) error

	// UpsertSLA writes one consolidated availability row, replacing any
	// previous row for the same service and period start
	UpsertSLA(ctx context.Context, kind period.Kind, serviceID string, periodStart int64, sla float64) error

	// SLAHistory lists the consolidated rows for a service, newest first
	SLAHistory(ctx context.Context, kind period.Kind, serviceID string) ([]SLAEntry, error)

	// EnsureInstance creates the heartbeat row when missing
	EnsureInstance(ctx context.Context) error

	// Heartbeat refreshes the heartbeat timestamp if it is at least
	// olderThan old, reporting whether the conditional update matched
	Heartbeat(ctx context.Context, olderThan time.Duration) (bool, error)
}

// now is replaceable in tests
var now = func() int64 {
	return time.Now().UTC().Unix()
}

// identityMatches reports whether a stored record describes the probed
// target. The namespace participates only for ingress services, matching
// the shape of the records they insert.
func identityMatches(rec *ServiceRecord, svc service.Service) bool {
	if rec.Category != svc.Category() || rec.Kind != svc.Kind() || rec.Description != svc.Description() {
		return false
	}
	if svc.Kind() == service.KindIngress && rec.NS != svc.NS() {
		return false
	}
	return true
}

// overlaps reports whether a downtime intersects [start, end)
func overlaps(d *Downtime, start, end int64) bool {
	return d.Start < end && (d.End > start || d.Open())
}

// slaOf sums the clipped downtime overlap with [start, start+duration)
// and converts it to an availability percentage. Open windows and
// windows running past the range are clipped at the range end; the sum
// is clamped at the range duration so overlapping records never push the
// result below zero.
func slaOf(downs []Downtime, start, duration int64) float64 {
	end := start + duration
	var down int64
	for i := range downs {
		from := downs[i].Start
		if from < start {
			from = start
		}
		to := downs[i].End
		if downs[i].Open() || to > end {
			to = end
		}
		if to > from {
			down += to - from
		}
	}
	if down > duration {
		down = duration
	}
	return 100 - float64(down)*100/float64(duration)
}
