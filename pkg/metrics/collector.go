package metrics

import (
	"time"
)

// MonitorStats exposes the live monitor counters the collector polls
type MonitorStats interface {
	Services() int
	Tasks() int
}

// Collector keeps the monitor gauges current
type Collector struct {
	monitor MonitorStats
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(monitor MonitorStats) *Collector {
	return &Collector{
		monitor: monitor,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ServicesMonitored.Set(float64(c.monitor.Services()))
	TasksActive.Set(float64(c.monitor.Tasks()))
}
