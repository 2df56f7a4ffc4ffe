package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Streams are trimmed with XADD MAXLEN ~. The settlement stream is the
// replay log for offline consumers and keeps a longer tail.
const (
	defaultStreamMaxLen    int64 = 10_000
	settlementStreamMaxLen int64 = 100_000
)

// payloadField is the stream entry field carrying the encoded event.
const payloadField = "payload"

// ErrForeignChannel is returned for channel names outside the market and
// trade namespaces.
var ErrForeignChannel = errors.New("redis: channel outside the bus namespace")

// SignalBus implements domain.SignalBus. Market and trade events go out over
// Pub/Sub on ch:market:{pair} and ch:trade:{id}; settlement events are also
// appended to stream:settlement so consumers can replay what they missed.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends payload to a market or trade channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if !busChannel(channel) {
		return fmt.Errorf("%w: %q", ErrForeignChannel, channel)
	}
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns the payloads published on channel, which may be a glob
// such as ch:market:*. The returned channel is closed once ctx is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if !busChannel(channel) {
		return nil, fmt.Errorf("%w: %q", ErrForeignChannel, channel)
	}

	var pubsub *redis.PubSub
	if isPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go relay(ctx, pubsub, out)
	return out, nil
}

func relay(ctx context.Context, pubsub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

// StreamAppend appends payload to stream, trimming it to the stream's
// retention.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen(stream),
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start). An empty result is not an error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			if data, ok := payloadOf(msg.Values); ok {
				out = append(out, domain.StreamMessage{ID: msg.ID, Payload: data})
			}
		}
	}
	return out, nil
}

// payloadOf extracts the payload field; go-redis decodes it as a string.
func payloadOf(values map[string]any) ([]byte, bool) {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

func streamMaxLen(stream string) int64 {
	if stream == domain.SettlementStream {
		return settlementStreamMaxLen
	}
	return defaultStreamMaxLen
}

// busChannel reports whether channel names a market or trade channel, or a
// pattern over one of them.
func busChannel(channel string) bool {
	for _, prefix := range []string{domain.MarketChannelPrefix, domain.TradeChannelPrefix} {
		if strings.HasPrefix(channel, prefix) && len(channel) > len(prefix) {
			return true
		}
	}
	return false
}

// isPattern reports whether channel needs PSubscribe.
func isPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

var _ domain.SignalBus = (*SignalBus)(nil)
