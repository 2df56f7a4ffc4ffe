// Package sink fans engine and settlement events out to the configured
// transports.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Multi publishes every event to each sink in order. A failing sink does not
// stop the others; the failures are joined.
type Multi []domain.EventSink

// Publish implements domain.EventSink.
func (m Multi) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Publish implements domain.EventSink.
func (Discard) Publish(context.Context, domain.Event) error { return nil }

// Async decouples slow transports from the matching pass. Events are queued
// and delivered by Run; when the queue is full the event is dropped and
// counted.
type Async struct {
	inner   domain.EventSink
	queue   chan domain.Event
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewAsync creates an Async sink with the given queue size.
func NewAsync(inner domain.EventSink, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 4096
	}
	return &Async{
		inner:  inner,
		queue:  make(chan domain.Event, size),
		logger: logger.With(slog.String("component", "event_sink")),
	}
}

// Publish enqueues ev without blocking.
func (a *Async) Publish(_ context.Context, ev domain.Event) error {
	select {
	case a.queue <- ev:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("sink: queue full, dropping events",
				slog.String("kind", string(ev.Kind())),
				slog.Int64("dropped", a.dropped.Load()),
			)
		}
	}
	return nil
}

// Dropped reports how many events were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run delivers queued events until ctx is done, then drains what is left
// with a background context.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-a.queue:
			a.deliver(ctx, ev)
		case <-ctx.Done():
			a.drain()
			return ctx.Err()
		}
	}
}

func (a *Async) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-a.queue:
			a.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, ev domain.Event) {
	if err := a.inner.Publish(ctx, ev); err != nil {
		a.logger.Error("sink: publish failed",
			slog.String("kind", string(ev.Kind())),
			slog.String("key", ev.Key()),
			slog.String("error", err.Error()),
		)
	}
}

var (
	_ domain.EventSink = Multi(nil)
	_ domain.EventSink = Discard{}
	_ domain.EventSink = (*Async)(nil)
)
