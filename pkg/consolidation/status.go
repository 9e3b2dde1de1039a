package consolidation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/metrics"
	"github.com/ypcloud/uptimed/pkg/service"
	"github.com/ypcloud/uptimed/pkg/storage"
)

const (
	// DefaultStatusEvery is the public status refresh period
	DefaultStatusEvery = 60 * time.Second

	// DefaultDownFor is how long an outage must last before it shows on
	// the public status
	DefaultDownFor = 600 * time.Second
)

// StatusConfig holds status consolidator tuning
type StatusConfig struct {
	Every   time.Duration
	DownFor time.Duration
	Filter  storage.Query
}

// StatusConsolidator maintains the smoothed status shown on status
// pages: a service goes publicly down only after an outage lasted
// DownFor, and publicly up as soon as the outage closes. Short blips
// never surface.
type StatusConsolidator struct {
	store   storage.Store
	every   time.Duration
	downFor time.Duration
	filter  storage.Query

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	now    func() time.Time
	logger zerolog.Logger
}

// NewStatus creates the status consolidator
func NewStatus(store storage.Store, cfg StatusConfig) *StatusConsolidator {
	every := cfg.Every
	if every <= 0 {
		every = DefaultStatusEvery
	}
	downFor := cfg.DownFor
	if downFor <= 0 {
		downFor = DefaultDownFor
	}
	return &StatusConsolidator{
		store:   store,
		every:   every,
		downFor: downFor,
		filter:  cfg.Filter,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,
		logger:  log.WithComponent("consolidation.status"),
	}
}

// Start launches the refresh loop
func (c *StatusConsolidator) Start() {
	go c.run()
}

// Stop signals the loop to exit without waiting for it
func (c *StatusConsolidator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Wait blocks until the loop exited
func (c *StatusConsolidator) Wait() {
	<-c.doneCh
}

func (c *StatusConsolidator) run() {
	defer close(c.doneCh)
	ctx := context.Background()
	c.logger.Info().Dur("every", c.every).Dur("down_for", c.downFor).Msg("status consolidation started")

	for {
		started := time.Now()
		c.pass(ctx)
		elapsed := time.Since(started)

		if stopped(c.stopCh) {
			c.logger.Info().Msg("status consolidation stopped")
			return
		}
		if elapsed > c.every {
			c.logger.Warn().Dur("elapsed", elapsed).Dur("every", c.every).Msg("status pass took longer than the refresh period")
			continue
		}
		if !sleepStop(c.every-elapsed, c.stopCh) {
			c.logger.Info().Msg("status consolidation stopped")
			return
		}
	}
}

// pass computes the wanted public status for every matching service and
// writes it only on change
func (c *StatusConsolidator) pass(ctx context.Context) {
	records, err := c.store.Services(ctx, c.filter)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list services")
		return
	}

	cutoff := c.now().UTC().Unix() - int64(c.downFor/time.Second)
	for i := range records {
		rec := &records[i]
		down, err := c.store.OpenDowntimeSince(ctx, rec.ID, cutoff)
		if err != nil {
			c.logger.Error().Err(err).Str("service", rec.Description).Msg("failed to resolve open downtime")
			continue
		}

		want := service.StatusOK
		if down {
			want = service.StatusFail
		}
		if rec.PublicStatus != nil && *rec.PublicStatus == want {
			continue
		}

		if err := c.store.SetPublicStatus(ctx, rec.ID, want); err != nil {
			c.logger.Error().Err(err).Str("service", rec.Description).Msg("failed to write public status")
			continue
		}
		metrics.PublicStatusWritesTotal.Inc()
		c.logger.Info().Str("service", rec.Description).Str("status", want.String()).Msg("public status changed")
	}
}
