package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBus_PatternSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewSignalBus()
	market, err := bus.Subscribe(ctx, "ch:market:*")
	require.NoError(t, err)
	exact, err := bus.Subscribe(ctx, "ch:trade:t-1")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "ch:market:USDT-NGN", []byte("book")))
	require.NoError(t, bus.Publish(ctx, "ch:trade:t-1", []byte("trade")))

	assert.Equal(t, []byte("book"), <-market)
	assert.Equal(t, []byte("trade"), <-exact)
	assert.Empty(t, market)
}

func TestSignalBus_SubscriptionClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewSignalBus()
	ch, err := bus.Subscribe(ctx, "x")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed")
	}
}

func TestSignalBus_StreamRead(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "stream:settlement", []byte(p)))
	}

	all, err := bus.StreamRead(ctx, "stream:settlement", "0", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := bus.StreamRead(ctx, "stream:settlement", all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("b"), rest[0].Payload)

	none, err := bus.StreamRead(ctx, "stream:settlement", "$", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "k", 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k", 2, time.Second)
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "other", 2, time.Second)
	assert.True(t, ok)

	now = now.Add(1500 * time.Millisecond)
	ok, _ = rl.Allow(ctx, "k", 2, time.Second)
	assert.True(t, ok)
}
