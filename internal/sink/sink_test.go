package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (c *captureSink) Publish(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fakeBus struct {
	published map[string]int
	streamed  map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string]int{}, streamed: map[string]int{}}
}

func (f *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	f.published[channel]++
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (f *fakeBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	f.streamed[stream]++
	return nil
}

func (f *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &captureSink{err: boom}, &captureSink{}
	err := Multi{a, b}.Publish(context.Background(), domain.BookChanged{Pair: "USDT-NGN"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())
}

func TestAsync_DeliversAndDrainsOnStop(t *testing.T) {
	inner := &captureSink{}
	as := NewAsync(inner, 8, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = as.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, as.Publish(context.Background(), domain.BookChanged{Pair: "USDT-NGN"}))
	}
	require.Eventually(t, func() bool { return inner.len() == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestAsync_DropsWhenFull(t *testing.T) {
	as := NewAsync(&captureSink{}, 2, quietLogger())
	for i := 0; i < 5; i++ {
		require.NoError(t, as.Publish(context.Background(), domain.BookChanged{Pair: "USDT-NGN"}))
	}
	assert.Equal(t, int64(3), as.Dropped())
}

func TestBus_RoutesMarketAndSettlement(t *testing.T) {
	fb := newFakeBus()
	b := NewBus(fb)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, domain.BookChanged{Pair: "USDT-NGN"}))
	require.NoError(t, b.Publish(ctx, domain.SettlementTransition{TradeID: "t-9"}))

	assert.Equal(t, 1, fb.published["ch:market:USDT-NGN"])
	assert.Equal(t, 1, fb.published["ch:trade:t-9"])
	assert.Equal(t, 1, fb.streamed[SettlementStream])
}
