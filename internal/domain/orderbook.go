package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel aggregates resting orders at one price.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// BookSnapshot is an immutable top-N view of a pair's book.
type BookSnapshot struct {
	Pair      Pair         `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the top bid price, or zero when the side is empty.
func (s BookSnapshot) BestBid() decimal.Decimal {
	if len(s.Bids) == 0 {
		return decimal.Zero
	}
	return s.Bids[0].Price
}

// BestAsk returns the top ask price, or zero when the side is empty.
func (s BookSnapshot) BestAsk() decimal.Decimal {
	if len(s.Asks) == 0 {
		return decimal.Zero
	}
	return s.Asks[0].Price
}

// Truncate returns a copy limited to depth levels per side. depth <= 0
// keeps every level. The level slices never alias s.
func (s BookSnapshot) Truncate(depth int) BookSnapshot {
	out := s
	out.Bids = slices.Clone(limit(s.Bids, depth))
	out.Asks = slices.Clone(limit(s.Asks, depth))
	return out
}

func limit(levels []PriceLevel, depth int) []PriceLevel {
	if depth > 0 && len(levels) > depth {
		return levels[:depth]
	}
	return levels
}
