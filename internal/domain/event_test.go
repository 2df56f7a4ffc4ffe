package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEnvelope(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := FillExecuted{
		TradeID:     "t-1",
		Pair:        "USDT-NGN",
		BuyOrderID:  "b",
		SellOrderID: "s",
		Amount:      decimal.RequireFromString("2.5"),
		Price:       decimal.RequireFromString("1530.25"),
		SequenceNo:  7,
		At:          at,
	}

	raw, err := MarshalEvent(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"fill_executed"`)

	out, err := UnmarshalEvent(raw)
	require.NoError(t, err)
	got, ok := out.(FillExecuted)
	require.True(t, ok)
	assert.Equal(t, "USDT-NGN", got.Key())
	assert.True(t, got.Price.Equal(in.Price))
	assert.Equal(t, uint64(7), got.SequenceNo)
}

func TestUnmarshalEvent_UnknownKind(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"kind":"nope","payload":{}}`))
	assert.ErrorContains(t, err, "unknown event kind")
}
