package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/metrics"
	"github.com/ypcloud/uptimed/pkg/service"
)

// task checks its slice of services in rounds on a single goroutine.
// Checks within a round run sequentially so one task never issues more
// than one probe at a time.
type task struct {
	id          string
	notify      NotifyFunc
	maxServices int
	checkEvery  time.Duration
	fastRetry   time.Duration

	mu       sync.Mutex
	services []*service.State
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	cancel   context.CancelFunc

	logger zerolog.Logger
}

func newTask(cfg Config, notify NotifyFunc) *task {
	id := uuid.New().String()[:8]
	return &task{
		id:          id,
		notify:      notify,
		maxServices: cfg.MaxServices,
		checkEvery:  cfg.CheckEvery,
		fastRetry:   cfg.FastRetry,
		logger:      log.WithTask(id),
	}
}

// add appends a state unless the task is full
func (t *task) add(state *service.State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.services) >= t.maxServices {
		return false
	}
	t.services = append(t.services, state)
	return true
}

// remove drops the state probing the same target, if present
func (t *task) remove(svc service.Service) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, st := range t.services {
		if st.Service().Key() == svc.Key() {
			t.services = append(t.services[:i], t.services[i+1:]...)
			return true
		}
	}
	return false
}

func (t *task) empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.services) == 0
}

func (t *task) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.services)
}

// snapshot copies the service list so a round never holds the lock while
// probing
func (t *task) snapshot() []*service.State {
	t.mu.Lock()
	defer t.mu.Unlock()

	states := make([]*service.State, len(t.services))
	copy(states, t.services)
	return states
}

func (t *task) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx, t.stopCh, t.doneCh)
}

// signalStop asks the round loop to exit and aborts any in-flight probe.
// It returns without waiting; wait joins the goroutine.
func (t *task) signalStop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	t.cancel()
}

func (t *task) wait() {
	t.mu.Lock()
	done := t.doneCh
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (t *task) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	t.logger.Info().Int("services", t.size()).Msg("task started")

	for {
		timer := metrics.NewTimer()
		for _, state := range t.snapshot() {
			if stopped(stopCh) {
				break
			}
			t.checkService(ctx, state, stopCh)
		}
		elapsed := timer.Duration()
		metrics.RoundDuration.Observe(elapsed.Seconds())

		if stopped(stopCh) {
			t.logger.Info().Msg("task stopped")
			return
		}

		remaining := t.checkEvery - elapsed
		if remaining < 0 {
			metrics.RoundOverrunsTotal.Inc()
			t.logger.Warn().Dur("elapsed", elapsed).Dur("check_every", t.checkEvery).Msg("check round took longer than the check period")
			continue
		}
		if !sleepStop(remaining, stopCh) {
			t.logger.Info().Msg("task stopped")
			return
		}
	}
}

// checkService probes one service, records the observation and notifies
// when the status transitioned. A soft failure re-checks after the fast
// retry delay instead of waiting for the next round, so a flap is
// confirmed or cleared within seconds.
func (t *task) checkService(ctx context.Context, state *service.State, stopCh chan struct{}) {
	svc := state.Service()
	status, extra := svc.Check(ctx)
	metrics.ChecksTotal.WithLabelValues(string(svc.Kind()), status.String()).Inc()

	previous := state.Observe(status)

	recovered := status == service.StatusOK && (previous == service.StatusUnknown || previous == service.StatusFail)
	failed := state.HardFailure() && (previous == service.StatusUnknown || previous == service.StatusOK)
	if recovered || failed {
		t.logger.Info().Str("service", svc.String()).Str("status", status.String()).Msg("status transition")
		if err := t.notify(ctx, svc, status, extra); err != nil {
			metrics.NotifyFailuresTotal.Inc()
			t.logger.Error().Err(err).Str("service", svc.String()).Msg("failed to report status transition")
			// Forget the stored status so the next round re-detects the
			// transition and reports it again.
			state.Reset()
		} else {
			metrics.TransitionsTotal.WithLabelValues(string(svc.Kind()), status.String()).Inc()
		}
	}

	if state.SoftFailure() {
		metrics.SoftRetriesTotal.Inc()
		t.logger.Debug().Str("service", svc.String()).Msg("soft failure, re-checking")
		if !sleepStop(t.fastRetry, stopCh) {
			return
		}
		t.checkService(ctx, state, stopCh)
	}
}

func stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// sleepStop sleeps for d unless the stop channel closes first. It
// reports false when interrupted.
func sleepStop(d time.Duration, stopCh <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	}
}
