package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func levels(prices ...string) []PriceLevel {
	out := make([]PriceLevel, 0, len(prices))
	for _, p := range prices {
		out = append(out, PriceLevel{Price: decimal.RequireFromString(p), Amount: decimal.NewFromInt(1), Orders: 1})
	}
	return out
}

func TestBookSnapshotTruncate(t *testing.T) {
	tests := []struct {
		name     string
		depth    int
		wantBids int
		wantAsks int
	}{
		{name: "all levels", depth: 0, wantBids: 3, wantAsks: 2},
		{name: "negative keeps all", depth: -1, wantBids: 3, wantAsks: 2},
		{name: "cut both sides", depth: 1, wantBids: 1, wantAsks: 1},
		{name: "deeper than book", depth: 10, wantBids: 3, wantAsks: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := BookSnapshot{
				Pair: "USDT-NGN",
				Bids: levels("1500", "1490", "1480"),
				Asks: levels("1510", "1520"),
			}
			out := snap.Truncate(tt.depth)
			require.Len(t, out.Bids, tt.wantBids)
			require.Len(t, out.Asks, tt.wantAsks)
			assert.True(t, out.BestBid().Equal(snap.BestBid()))
			assert.True(t, out.BestAsk().Equal(snap.BestAsk()))
		})
	}
}

func TestBookSnapshotTruncate_DoesNotAlias(t *testing.T) {
	snap := BookSnapshot{
		Pair: "USDT-NGN",
		Bids: levels("1500", "1490"),
		Asks: levels("1510", "1520"),
	}

	for _, depth := range []int{0, 1} {
		out := snap.Truncate(depth)
		out.Bids[0].Amount = decimal.NewFromInt(99)
		out.Asks[0].Price = decimal.NewFromInt(1)
		out.Bids = append(out.Bids, PriceLevel{Price: decimal.NewFromInt(7)})

		assert.True(t, snap.Bids[0].Amount.Equal(decimal.NewFromInt(1)), "depth %d", depth)
		assert.True(t, snap.Asks[0].Price.Equal(decimal.RequireFromString("1510")), "depth %d", depth)
		assert.True(t, snap.Bids[1].Price.Equal(decimal.RequireFromString("1490")), "depth %d", depth)
	}
}
