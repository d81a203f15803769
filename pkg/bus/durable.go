package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// Publisher is what senses and services publish through.
type Publisher interface {
	Publish(ctx context.Context, sig models.Signal) error
}

// DurablePublisher persists durable signals to the queue before handing
// them to the bus, so an accepted signal survives a crash. Ephemeral
// signals pass straight through.
type DurablePublisher struct {
	bus    *Bus
	queue  *store.SignalQueueStore
	logger *slog.Logger
}

// NewDurablePublisher wires the publisher.
func NewDurablePublisher(b *Bus, queue *store.SignalQueueStore, logger *slog.Logger) *DurablePublisher {
	return &DurablePublisher{
		bus:    b,
		queue:  queue,
		logger: logger.With("component", "publisher"),
	}
}

// Publish accepts a signal. For durable signals the queue row is the
// delivery guarantee: once it is written, a refused or dropped channel
// send is not an error because the poller re-feeds the row.
func (p *DurablePublisher) Publish(ctx context.Context, sig models.Signal) error {
	if !sig.Durable {
		return p.bus.Publish(ctx, sig)
	}

	added, err := p.queue.Enqueue(ctx, sig)
	if err != nil {
		return fmt.Errorf("failed to persist signal %s: %w", sig.Type, err)
	}
	if !added {
		// Redelivery of a known id: the earlier row already covers it.
		return nil
	}

	if err := p.bus.Publish(ctx, sig); err != nil {
		p.logger.Warn("durable signal parked for poller",
			"signal_type", sig.Type, "signal_id", sig.ID, "reason", err)
	}
	return nil
}
