package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/store"
)

const pollBatchSize = 64

// Poller is the durable queue's safety net. It re-feeds queued rows the
// engine never saw (full buffer at publish time, or rows from before a
// restart) and returns orphaned processing rows to queued. Duplicate
// feeds are harmless: the engine's claim step takes each row once.
type Poller struct {
	bus    *Bus
	queue  *store.SignalQueueStore
	cfg    config.QueueConfig
	logger *slog.Logger
}

// NewPoller wires the poller.
func NewPoller(b *Bus, queue *store.SignalQueueStore, cfg config.QueueConfig, logger *slog.Logger) *Poller {
	return &Poller{
		bus:    b,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With("component", "queue_poller"),
	}
}

// Run polls until ctx ends. An immediate first pass re-feeds rows left
// over from the previous run.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("queue poller started",
		"interval", p.cfg.PollInterval, "stale_after", p.cfg.Stale)

	p.sweep(ctx)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue poller stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	requeued, err := p.queue.RequeueStaleProcessing(ctx, p.cfg.Stale)
	if err != nil {
		p.logger.Error("failed to requeue stale processing rows", "error", err)
	} else if requeued > 0 {
		p.logger.Warn("requeued orphaned processing rows", "count", requeued)
	}

	rows, err := p.queue.StaleQueued(ctx, p.cfg.Stale, pollBatchSize)
	if err != nil {
		p.logger.Error("failed to load stale queued rows", "error", err)
		return
	}
	for _, row := range rows {
		if err := p.bus.Publish(ctx, row.Signal); err != nil {
			p.logger.Warn("re-feed refused, leaving row queued",
				"signal_id", row.ID, "reason", err)
			return
		}
		p.logger.Debug("re-fed stale signal", "signal_id", row.ID, "signal_type", row.Type)
	}
}
