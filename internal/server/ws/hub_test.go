package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

func TestChannelOf(t *testing.T) {
	data, err := domain.MarshalEvent(domain.PairHalted{Pair: "USDT-NGN", Reason: "x", At: time.Now()})
	require.NoError(t, err)

	ch, err := channelOf(MarketPattern, data)
	require.NoError(t, err)
	assert.Equal(t, "ch:market:USDT-NGN", ch)

	_, err = channelOf(MarketPattern, []byte(`{"kind":"Nope"}`))
	assert.Error(t, err)
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{MarketPattern: true}}
	assert.True(t, c.isSubscribed("ch:market:BTC-KES"))
	assert.False(t, c.isSubscribed("ch:trade:t-1"))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{"ch:trade:t-1", "ch:trade:*", "ch:other"}})
	assert.True(t, c.isSubscribed("ch:trade:t-1"))
	assert.False(t, c.isSubscribed("ch:trade:t-2"))
	assert.False(t, c.isSubscribed("ch:other"))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{MarketPattern}})
	assert.False(t, c.isSubscribed("ch:market:BTC-KES"))
}
