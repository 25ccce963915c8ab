package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const collectInterval = 5 * time.Second

// Sources supplies the live readings behind the polled gauges. Nil
// functions are skipped, so tests can wire only what they assert on.
type Sources struct {
	Subscriptions    func() int
	QueueUtilization func() float64
	Connected        func() bool
}

// Collector refreshes the activity gauges on a fixed interval. Counter
// and score updates flow through Registry directly; the collector only
// covers readings that have no event to hook.
type Collector struct {
	reg      *Registry
	src      Sources
	interval time.Duration
}

// NewCollector creates a collector writing into reg.
func NewCollector(reg *Registry, src Sources) *Collector {
	return &Collector{reg: reg, src: src, interval: collectInterval}
}

// StartCollection polls until ctx is cancelled. It blocks, so callers
// run it in a goroutine.
func (c *Collector) StartCollection(ctx context.Context) {
	log.Info().Dur("interval", c.interval).Msg("Starting metrics collection")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Prime the gauges so the first scrape is not all zeros.
	c.collect()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping metrics collection")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	if c.src.Subscriptions != nil {
		c.reg.Subscriptions.Set(float64(c.src.Subscriptions()))
	}
	if c.src.QueueUtilization != nil {
		c.reg.QueueUtilization.Set(c.src.QueueUtilization())
	}
	if c.src.Connected != nil {
		up := 0.0
		if c.src.Connected() {
			up = 1.0
		}
		c.reg.ConnectionStatus.Set(up)
	}
}
