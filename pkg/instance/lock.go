package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/metrics"
)

// Store is the slice of the storage interface the lock needs. Satisfied
// by storage.Store.
type Store interface {
	EnsureInstance(ctx context.Context) error
	Heartbeat(ctx context.Context, olderThan time.Duration) (bool, error)
}

const (
	// DefaultAlive is the heartbeat period of the active instance
	DefaultAlive = 60 * time.Second

	// DefaultInactiveAfter is how long the active instance must be
	// silent before a standby takes over
	DefaultInactiveAfter = 180 * time.Second
)

var (
	// ErrStopped reports that Stop interrupted Acquire
	ErrStopped = errors.New("instance lock stopped")

	// ErrLockLost reports that another instance took the lock over
	ErrLockLost = errors.New("instance lock lost")
)

// Lock is the storage-arbitrated single-active-instance lock. One row
// holds the last heartbeat; a conditional update that only matches a
// sufficiently old timestamp decides who runs. There is no consensus
// round, the storage backend is the arbiter.
type Lock struct {
	store         Store
	alive         time.Duration
	inactiveAfter time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates a lock. inactiveAfter must exceed alive; configuration
// validates that before it gets here.
func New(store Store, alive, inactiveAfter time.Duration) *Lock {
	if alive <= 0 {
		alive = DefaultAlive
	}
	if inactiveAfter <= 0 {
		inactiveAfter = DefaultInactiveAfter
	}
	return &Lock{
		store:         store,
		alive:         alive,
		inactiveAfter: inactiveAfter,
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("instance"),
	}
}

// Acquire blocks until this instance owns the lock. A standby wins only
// once the active instance has been silent for inactiveAfter; storage
// errors are retried, so a daemon booting before its database simply
// waits.
func (l *Lock) Acquire(ctx context.Context) error {
	if err := l.store.EnsureInstance(ctx); err != nil {
		return fmt.Errorf("failed to ensure instance row: %w", err)
	}

	for {
		matched, err := l.store.Heartbeat(ctx, l.inactiveAfter)
		if err != nil {
			l.logger.Error().Err(err).Msg("heartbeat failed while acquiring")
		} else if matched {
			metrics.InstanceActive.Set(1)
			l.logger.Info().Msg("instance lock acquired")
			return nil
		} else {
			l.logger.Debug().Dur("retry_in", l.alive).Msg("standby, another instance is active")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return ErrStopped
		case <-time.After(l.alive):
		}
	}
}

// Keep holds the lock, refreshing the heartbeat every alive plus a
// second of grace. It returns nil when stopped and an error on the
// first heartbeat that fails or does not match: by then a standby may
// already consider this instance dead, so the caller must shut down.
func (l *Lock) Keep(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			metrics.InstanceActive.Set(0)
			return ctx.Err()
		case <-l.stopCh:
			metrics.InstanceActive.Set(0)
			l.logger.Info().Msg("instance lock released")
			return nil
		case <-time.After(l.alive + time.Second):
		}

		matched, err := l.store.Heartbeat(ctx, l.alive)
		if err != nil {
			metrics.HeartbeatFailuresTotal.Inc()
			metrics.InstanceActive.Set(0)
			return fmt.Errorf("heartbeat failed: %w", err)
		}
		if !matched {
			metrics.HeartbeatFailuresTotal.Inc()
			metrics.InstanceActive.Set(0)
			l.logger.Error().Msg("heartbeat did not match, another instance took over")
			return ErrLockLost
		}
		l.logger.Debug().Msg("heartbeat refreshed")
	}
}

// Stop interrupts Acquire and ends Keep cleanly
func (l *Lock) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
