package service

import (
	"context"
	"sync"
)

// Status represents the reported or stored health of a service
type Status int

const (
	// StatusUnknown marks a service that has never been checked. It is
	// never written to storage.
	StatusUnknown Status = -1

	// StatusOK marks a healthy service
	StatusOK Status = 0

	// StatusFail marks an unhealthy service
	StatusFail Status = 1
)

// String returns the human-readable form of the status
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Extra carries diagnostic details from a failed check, persisted on the
// downtime record that the check opens
type Extra map[string]string

// Kind identifies the probe type of a service
type Kind string

const (
	KindIngress    Kind = "Ingress"
	KindMongo      Kind = "Mongo"
	KindPostgres   Kind = "Postgres"
	KindRedis      Kind = "Redis"
	KindKubernetes Kind = "Kubernetes"
	KindSearch     Kind = "Search"
)

// Service is a probed target. Implementations are immutable after
// construction; all mutable check bookkeeping lives in State.
type Service interface {
	// Kind returns the probe type
	Kind() Kind

	// Category returns the grouping label ("ns" for ingress services,
	// "infra" for fleet probes)
	Category() string

	// NS returns the kubernetes namespace for ingress services, empty
	// otherwise
	NS() string

	// Description returns the identity description stored with the
	// service: the URL for ingress services, the display name otherwise
	Description() string

	// Key returns a string covering every identity field, including ones
	// that are not persisted. Two services are the same iff their keys
	// are equal.
	Key() string

	// String returns the log form of the service
	String() string

	// Check probes the service once. Transport errors are reported as
	// StatusFail with the error text under Extra["exception"], never as
	// a panic or a Go error.
	Check(ctx context.Context) (Status, Extra)
}

// CategoryInfra is the category of fleet probes declared in configuration
const CategoryInfra = "infra"

// DefaultAttempts is the number of consecutive failed checks before a
// failure turns hard
const DefaultAttempts = 3

// State tracks the check history of one service: the consecutive failure
// counter and the status most recently stored through a notification.
type State struct {
	svc      Service
	attempts int

	mu       sync.Mutex
	failures int
	status   Status
}

// NewState creates check state for a service with the default failure
// threshold
func NewState(svc Service) *State {
	return &State{
		svc:      svc,
		attempts: DefaultAttempts,
		status:   StatusUnknown,
	}
}

// Service returns the tracked service
func (s *State) Service() Service {
	return s.svc
}

// Observe records one check result and returns the previously stored
// status.
//
// A FAIL increments the consecutive failure counter; an OK resets it. The
// stored status stays OK while the failure is soft, so a service flapping
// below the attempt threshold never looks down.
func (s *State) Observe(reported Status) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reported == StatusFail {
		s.failures++
	} else if s.failures != 0 {
		s.failures = 0
	}

	previous := s.status
	if reported == StatusOK || s.softLocked() {
		s.status = StatusOK
	} else {
		s.status = StatusFail
	}
	return previous
}

// SoftFailure reports whether the service is failing but has not yet
// reached the attempt threshold
func (s *State) SoftFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.softLocked()
}

// HardFailure reports whether the consecutive failure counter reached the
// attempt threshold
func (s *State) HardFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardLocked()
}

// Reset forgets the stored status so the next transition is re-notified.
// Called after a notification fails to reach storage.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusUnknown
}

func (s *State) softLocked() bool {
	return s.failures > 0 && !s.hardLocked()
}

func (s *State) hardLocked() bool {
	return s.failures >= s.attempts
}
