package sink

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// SettlementStream is the replay stream trade and dispute events land on.
const SettlementStream = domain.SettlementStream

// Bus publishes events to the signal bus. Market events go out over
// pub/sub only. Trade and dispute events are also appended to the
// settlement stream so consumers that were offline can replay them.
type Bus struct {
	bus domain.SignalBus
}

// NewBus creates a Bus sink.
func NewBus(bus domain.SignalBus) *Bus {
	return &Bus{bus: bus}
}

// Publish implements domain.EventSink.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := domain.MarshalEvent(ev)
	if err != nil {
		return err
	}

	switch ev.(type) {
	case domain.OrderAccepted, domain.OrderUpdated, domain.BookChanged, domain.FillExecuted, domain.PairHalted:
		if err := b.bus.Publish(ctx, domain.MarketChannel(domain.Pair(ev.Key())), payload); err != nil {
			return fmt.Errorf("sink: bus publish %s: %w", ev.Kind(), err)
		}
		return nil
	}

	if err := b.bus.StreamAppend(ctx, SettlementStream, payload); err != nil {
		return fmt.Errorf("sink: bus append %s: %w", ev.Kind(), err)
	}
	if err := b.bus.Publish(ctx, domain.TradeChannel(ev.Key()), payload); err != nil {
		return fmt.Errorf("sink: bus publish %s: %w", ev.Kind(), err)
	}
	return nil
}

var _ domain.EventSink = (*Bus)(nil)
