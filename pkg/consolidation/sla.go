package consolidation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/metrics"
	"github.com/ypcloud/uptimed/pkg/period"
	"github.com/ypcloud/uptimed/pkg/storage"
)

// DefaultBatchWait is the minimum pause between consolidation passes
const DefaultBatchWait = 300 * time.Second

// SLAConfig holds SLA consolidator tuning
type SLAConfig struct {
	BatchWait time.Duration
}

// SLAConsolidator turns downtime history into daily, weekly and monthly
// availability rows. Progress is tracked with one durable watermark per
// period kind holding the next trigger time, so periods missed while the
// daemon was down are consolidated on the next start.
type SLAConsolidator struct {
	store     storage.Store
	batchWait time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	now    func() time.Time
	logger zerolog.Logger
}

// NewSLA creates the SLA consolidator
func NewSLA(store storage.Store, cfg SLAConfig) *SLAConsolidator {
	batchWait := cfg.BatchWait
	if batchWait <= 0 {
		batchWait = DefaultBatchWait
	}
	return &SLAConsolidator{
		store:     store,
		batchWait: batchWait,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
		logger:    log.WithComponent("consolidation.sla"),
	}
}

// Start launches the consolidation loop
func (c *SLAConsolidator) Start() {
	go c.run()
}

// Stop signals the loop to exit without waiting for it
func (c *SLAConsolidator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Wait blocks until the loop exited
func (c *SLAConsolidator) Wait() {
	<-c.doneCh
}

func (c *SLAConsolidator) run() {
	defer close(c.doneCh)
	ctx := context.Background()
	c.logger.Info().Dur("batch_wait", c.batchWait).Msg("sla consolidation started")

	var marks map[period.Kind]int64
	for marks == nil {
		var err error
		marks, err = c.loadWatermarks(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to load watermarks")
			if !sleepStop(c.batchWait, c.stopCh) {
				return
			}
		}
	}

	for {
		c.pass(ctx, marks)
		if !sleepStop(c.wake(marks), c.stopCh) {
			c.logger.Info().Msg("sla consolidation stopped")
			return
		}
	}
}

// loadWatermarks reads the stored triggers. A kind seen for the first
// time anchors to the current period start, persisted immediately, which
// makes the first pass consolidate the last complete period.
func (c *SLAConsolidator) loadWatermarks(ctx context.Context) (map[period.Kind]int64, error) {
	marks := make(map[period.Kind]int64, len(period.Kinds))
	for _, kind := range period.Kinds {
		ts, ok, err := c.store.Watermark(ctx, kind)
		if err != nil {
			return nil, err
		}
		if !ok {
			ts = kind.Anchor(c.now())
			if err := c.store.SetWatermark(ctx, kind, ts); err != nil {
				return nil, err
			}
		}
		marks[kind] = ts
		metrics.ConsolidationWatermark.WithLabelValues(string(kind)).Set(float64(ts))
	}
	return marks, nil
}

// pass consolidates every kind whose trigger has been reached, advancing
// one period at a time. An error leaves the kind's watermark untouched;
// the next pass retries the same period and the row upserts make the
// retry idempotent.
func (c *SLAConsolidator) pass(ctx context.Context, marks map[period.Kind]int64) {
	for _, kind := range period.Kinds {
		for c.now().UTC().Unix() >= marks[kind] && !stopped(c.stopCh) {
			wip := kind.Prev(marks[kind])
			if err := c.consolidate(ctx, kind, wip); err != nil {
				metrics.ConsolidationRunsTotal.WithLabelValues(string(kind), "error").Inc()
				c.logger.Error().Err(err).Str("kind", string(kind)).Int64("period", wip).Msg("consolidation failed")
				break
			}

			next := kind.Next(marks[kind])
			if err := c.store.SetWatermark(ctx, kind, next); err != nil {
				metrics.ConsolidationRunsTotal.WithLabelValues(string(kind), "error").Inc()
				c.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to advance watermark")
				break
			}
			marks[kind] = next

			metrics.ConsolidationRunsTotal.WithLabelValues(string(kind), "ok").Inc()
			metrics.ConsolidationWatermark.WithLabelValues(string(kind)).Set(float64(next))
			c.logger.Info().Str("kind", string(kind)).Int64("period", wip).Int64("next", next).Msg("period consolidated")
		}
	}
}

// consolidate upserts one availability row per service for the period
// starting at start
func (c *SLAConsolidator) consolidate(ctx context.Context, kind period.Kind, start int64) error {
	records, err := c.store.Services(ctx, storage.Query{})
	if err != nil {
		return err
	}

	seconds := kind.Seconds(start)
	for i := range records {
		sla, err := c.store.SLA(ctx, records[i].ID, start, seconds)
		if err != nil {
			return err
		}
		if err := c.store.UpsertSLA(ctx, kind, records[i].ID, start, sla); err != nil {
			return err
		}
	}
	return nil
}

// wake returns how long to sleep before the next pass: until the
// earliest trigger, but never less than the batch wait.
func (c *SLAConsolidator) wake(marks map[period.Kind]int64) time.Duration {
	nowTS := c.now().UTC().Unix()
	earliest := int64(0)
	for _, ts := range marks {
		if earliest == 0 || ts < earliest {
			earliest = ts
		}
	}

	delay := time.Duration(earliest-nowTS) * time.Second
	if delay < c.batchWait {
		delay = c.batchWait
	}
	return delay
}
