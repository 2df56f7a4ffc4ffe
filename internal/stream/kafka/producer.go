// Package kafka publishes engine and settlement events to Kafka topics.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Config selects brokers and topics.
type Config struct {
	Brokers         []string
	MarketTopic     string // book and order events, keyed by pair
	SettlementTopic string // trade and dispute events, keyed by trade id
	BatchTimeout    time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements domain.EventSink. Messages carry the event envelope as
// value and the event key as Kafka key, so every event for one pair (or one
// trade) lands on the same partition in order.
type Producer struct {
	writer          messageWriter
	marketTopic     string
	settlementTopic string
}

// NewProducer creates a synchronous producer that waits for all in-sync
// replicas.
func NewProducer(cfg Config) *Producer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: cfg.BatchTimeout,
		},
		marketTopic:     cfg.MarketTopic,
		settlementTopic: cfg.SettlementTopic,
	}
}

// Publish writes ev to its topic.
func (p *Producer) Publish(ctx context.Context, ev domain.Event) error {
	value, err := domain.MarshalEvent(ev)
	if err != nil {
		return err
	}
	topic := p.topicFor(ev)
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(ev.Key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind())},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka: publish %s to %s: %w", ev.Kind(), topic, err)
	}
	return nil
}

func (p *Producer) topicFor(ev domain.Event) string {
	switch ev.(type) {
	case domain.OrderAccepted, domain.OrderUpdated, domain.BookChanged, domain.FillExecuted, domain.PairHalted:
		return p.marketTopic
	default:
		return p.settlementTopic
	}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

var _ domain.EventSink = (*Producer)(nil)
