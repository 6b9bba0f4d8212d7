package metrics

import (
	"context"
	"sync"
	"time"
)

// DispatchStatsProvider supplies per-campaign dispatcher queue depths
type DispatchStatsProvider interface {
	QueueDepths() map[string]int
}

// Collector updates system gauges (uptime, active campaigns, dispatcher
// queue depths) on a fixed interval
type Collector struct {
	metrics   *Metrics
	dispatch  DispatchStatsProvider
	interval  time.Duration
	startTime time.Time

	mu     sync.Mutex
	seen   map[string]struct{} // campaign ids with a published gauge
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector
func NewCollector(m *Metrics, dispatch DispatchStatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:   m,
		dispatch:  dispatch,
		interval:  interval,
		startTime: time.Now(),
		seen:      make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start starts the gauge update loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

// Stop stops the update loop
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())

	if c.dispatch == nil {
		return
	}
	depths := c.dispatch.QueueDepths()
	c.metrics.CampaignsActive.Set(float64(len(depths)))

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, depth := range depths {
		c.metrics.DispatchQueueDepth.WithLabelValues(id).Set(float64(depth))
		c.seen[id] = struct{}{}
	}
	// drop gauges for campaigns whose dispatcher is gone
	for id := range c.seen {
		if _, ok := depths[id]; !ok {
			c.metrics.DispatchQueueDepth.DeleteLabelValues(id)
			delete(c.seen, id)
		}
	}
}
