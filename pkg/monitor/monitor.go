package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/service"
)

// NotifyFunc receives every status transition the monitor detects.
// Returning an error makes the monitor forget the service's stored status
// so the transition is re-notified on a later round.
type NotifyFunc func(ctx context.Context, svc service.Service, status service.Status, extra service.Extra) error

// DefaultProvider is the bucket for services registered at startup from
// configuration
const DefaultProvider = "default"

const (
	// DefaultMaxServices is the bin-packing capacity of one task
	DefaultMaxServices = 15

	// DefaultCheckEvery is the round period of one task
	DefaultCheckEvery = 60 * time.Second

	// DefaultFastRetry is the delay between soft-failure re-checks
	DefaultFastRetry = 5 * time.Second
)

// Config holds monitor tuning
type Config struct {
	MaxServices int           // per task
	CheckEvery  time.Duration // round period
	FastRetry   time.Duration // soft-failure retry delay
}

func (c Config) withDefaults() Config {
	if c.MaxServices <= 0 {
		c.MaxServices = DefaultMaxServices
	}
	if c.CheckEvery <= 0 {
		c.CheckEvery = DefaultCheckEvery
	}
	if c.FastRetry <= 0 {
		c.FastRetry = DefaultFastRetry
	}
	return c
}

// Monitor owns the monitored services, grouped by the provider that
// registered them, and bin-packs them onto check tasks.
type Monitor struct {
	cfg    Config
	notify NotifyFunc

	mu        sync.Mutex
	providers map[string][]*service.State
	tasks     []*task
	running   bool

	logger zerolog.Logger
}

// New creates a monitor delivering transitions to notify
func New(cfg Config, notify NotifyFunc) *Monitor {
	return &Monitor{
		cfg:       cfg.withDefaults(),
		notify:    notify,
		providers: make(map[string][]*service.State),
		logger:    log.WithComponent("monitor"),
	}
}

// Add registers a service under a provider bucket. Services already
// monitored under any provider are skipped; the same target registered by
// two providers is still one probe.
func (m *Monitor) Add(svc service.Service, provider string) {
	if provider == "" {
		provider = DefaultProvider
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, states := range m.providers {
		for _, st := range states {
			if st.Service().Key() == svc.Key() {
				m.logger.Debug().Str("service", svc.String()).Msg("service already monitored")
				return
			}
		}
	}

	state := service.NewState(svc)
	m.providers[provider] = append(m.providers[provider], state)
	m.taskAdd(state)
	m.logger.Info().Str("service", svc.String()).Str("provider", provider).Msg("service added")
}

// Remove drops a service from a provider bucket and from its task
func (m *Monitor) Remove(svc service.Service, provider string) {
	if provider == "" {
		provider = DefaultProvider
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	states := m.providers[provider]
	for i, st := range states {
		if st.Service().Key() == svc.Key() {
			m.providers[provider] = append(states[:i], states[i+1:]...)
			if len(m.providers[provider]) == 0 {
				delete(m.providers, provider)
			}
			m.taskRemove(st.Service())
			m.logger.Info().Str("service", svc.String()).Str("provider", provider).Msg("service removed")
			return
		}
	}
}

// RemoveProvider drops every service registered by a provider. Providers
// call this before re-resolving their fleet so a restart never leaks
// services.
func (m *Monitor) RemoveProvider(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := m.providers[provider]
	for _, st := range states {
		m.taskRemove(st.Service())
	}
	delete(m.providers, provider)

	if len(states) > 0 {
		m.logger.Info().Str("provider", provider).Int("services", len(states)).Msg("provider services removed")
	}
}

// RemoveMatching drops the provider's services selected by the predicate
func (m *Monitor) RemoveMatching(provider string, match func(service.Service) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*service.State
	for _, st := range m.providers[provider] {
		if match(st.Service()) {
			m.taskRemove(st.Service())
			m.logger.Info().Str("service", st.Service().String()).Str("provider", provider).Msg("service removed")
		} else {
			kept = append(kept, st)
		}
	}
	if len(kept) == 0 {
		delete(m.providers, provider)
	} else {
		m.providers[provider] = kept
	}
}

// Start launches every task. Services added while running are placed on
// running tasks immediately.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	for _, t := range m.tasks {
		t.start()
	}
	m.logger.Info().Int("tasks", len(m.tasks)).Msg("monitoring started")
}

// Stop signals every task and then waits for each to finish its round.
// Signalling all before waiting on any lets the tasks wind down in
// parallel.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	for _, t := range m.tasks {
		t.signalStop()
	}
	for _, t := range m.tasks {
		t.wait()
	}
	m.running = false
	m.logger.Info().Msg("monitoring stopped")
}

// Running reports whether tasks are executing check rounds
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Services returns the number of monitored services
func (m *Monitor) Services() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, states := range m.providers {
		total += len(states)
	}
	return total
}

// Tasks returns the number of allocated check tasks
func (m *Monitor) Tasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// taskAdd places a state on the first task with capacity, creating a new
// task when every existing one is full. Callers hold m.mu.
func (m *Monitor) taskAdd(state *service.State) {
	for _, t := range m.tasks {
		if t.add(state) {
			return
		}
	}

	t := newTask(m.cfg, m.notify)
	t.add(state)
	m.tasks = append(m.tasks, t)
	if m.running {
		t.start()
	}
}

// taskRemove drops a service from its task, reaping the task when it
// becomes empty. Callers hold m.mu.
func (m *Monitor) taskRemove(svc service.Service) {
	for i, t := range m.tasks {
		if t.remove(svc) {
			if t.empty() {
				t.signalStop()
				m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			}
			return
		}
	}
}
