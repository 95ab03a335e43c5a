package metrics

import (
	"context"
	"time"

	"github.com/migadu/notifyd/logger"
)

// Stats is a point-in-time snapshot of engine counts.
type Stats struct {
	WaitSets        map[string]int
	Sessions        map[string]int
	MailboxesLoaded int
	JournalHead     uint64
}

// StatsProvider supplies the snapshot refreshed by the Collector.
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
}

// Collector periodically refreshes gauges from a StatsProvider.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.Stats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting stats", "error", err)
		return
	}
	for typ, n := range stats.WaitSets {
		WaitSetsCurrent.WithLabelValues(typ).Set(float64(n))
	}
	for typ, n := range stats.Sessions {
		SessionsCurrent.WithLabelValues(typ).Set(float64(n))
	}
	MailboxesLoaded.Set(float64(stats.MailboxesLoaded))
	JournalHead.Set(float64(stats.JournalHead))

	logger.Debug("MetricsCollector: updated gauges", "waitsets", stats.WaitSets,
		"sessions", stats.Sessions, "mailboxes", stats.MailboxesLoaded)
}
