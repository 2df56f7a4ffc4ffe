// Package orderbook holds the resting limit orders of a single trading pair
// in price-time priority. A book performs no I/O and no locking; its owner
// serializes access.
package orderbook

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

const btreeDegree = 32

type entry struct {
	order domain.Order
}

// OrderBook is the bid and ask sides of one pair.
type OrderBook struct {
	pair  domain.Pair
	bids  *btree.BTreeG[*entry]
	asks  *btree.BTreeG[*entry]
	index map[string]*entry
}

// bidLess orders bids by price descending, then sequence ascending.
func bidLess(a, b *entry) bool {
	if c := a.order.LimitPrice.Cmp(b.order.LimitPrice); c != 0 {
		return c > 0
	}
	return a.order.Sequence < b.order.Sequence
}

// askLess orders asks by price ascending, then sequence ascending.
func askLess(a, b *entry) bool {
	if c := a.order.LimitPrice.Cmp(b.order.LimitPrice); c != 0 {
		return c < 0
	}
	return a.order.Sequence < b.order.Sequence
}

// New creates an empty book for pair.
func New(pair domain.Pair) *OrderBook {
	return &OrderBook{
		pair:  pair,
		bids:  btree.NewG[*entry](btreeDegree, bidLess),
		asks:  btree.NewG[*entry](btreeDegree, askLess),
		index: make(map[string]*entry),
	}
}

// Pair returns the pair this book serves.
func (b *OrderBook) Pair() domain.Pair { return b.pair }

// Len returns the number of resting orders on both sides.
func (b *OrderBook) Len() int { return len(b.index) }

func (b *OrderBook) side(s domain.OrderSide) *btree.BTreeG[*entry] {
	if s == domain.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Insert adds a resting order at its price-time position.
func (b *OrderBook) Insert(o domain.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Pair != b.pair {
		return fmt.Errorf("%w: order pair %s does not match book %s", domain.ErrInvalidOrder, o.Pair, b.pair)
	}
	if !o.Status.Resting() {
		return fmt.Errorf("%w: status %s cannot rest in a book", domain.ErrInvalidOrder, o.Status)
	}
	if _, dup := b.index[o.ID]; dup {
		return fmt.Errorf("%w: duplicate order id %s", domain.ErrInvalidOrder, o.ID)
	}

	e := &entry{order: o}
	tree := b.side(o.Side)
	if tree.Has(e) {
		return fmt.Errorf("%w: duplicate sequence %d at price %s", domain.ErrInvalidOrder, o.Sequence, o.LimitPrice)
	}
	tree.ReplaceOrInsert(e)
	b.index[o.ID] = e
	return nil
}

// Get returns a copy of a resting order.
func (b *OrderBook) Get(id string) (domain.Order, bool) {
	e, ok := b.index[id]
	if !ok {
		return domain.Order{}, false
	}
	return e.order, true
}

// Cancel removes a resting order and returns it with the given closing
// status (CANCELLED or EXPIRED).
func (b *OrderBook) Cancel(id string, status domain.OrderStatus) (domain.Order, error) {
	if status != domain.OrderStatusCancelled && status != domain.OrderStatusExpired {
		return domain.Order{}, fmt.Errorf("orderbook: cancel with status %s", status)
	}
	e, ok := b.index[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("orderbook: order %s: %w", id, domain.ErrNotFound)
	}
	b.remove(e)
	o := e.order
	o.Status = status
	return o, nil
}

// PeekBestBid returns the highest-priority bid without removing it.
func (b *OrderBook) PeekBestBid() (domain.Order, bool) {
	return peek(b.bids)
}

// PeekBestAsk returns the highest-priority ask without removing it.
func (b *OrderBook) PeekBestAsk() (domain.Order, bool) {
	return peek(b.asks)
}

func peek(t *btree.BTreeG[*entry]) (domain.Order, bool) {
	e, ok := t.Min()
	if !ok {
		return domain.Order{}, false
	}
	return e.order, true
}

// Ascend visits the orders of one side in priority order until fn returns
// false.
func (b *OrderBook) Ascend(side domain.OrderSide, fn func(domain.Order) bool) {
	b.side(side).Ascend(func(e *entry) bool {
		return fn(e.order)
	})
}

// ApplyFill consumes amount from a resting order. A fully consumed order is
// removed and returned with status FILLED.
func (b *OrderBook) ApplyFill(id string, amount decimal.Decimal) (domain.Order, error) {
	e, ok := b.index[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("orderbook: fill %s: %w", id, domain.ErrNotFound)
	}
	if !amount.IsPositive() || amount.GreaterThan(e.order.RemainingAmount) {
		return domain.Order{}, fmt.Errorf("%w: fill %s of %s exceeds remaining %s",
			domain.ErrInvalidOrder, id, amount, e.order.RemainingAmount)
	}

	// Remaining amount does not participate in ordering, so the entry can
	// be mutated in place.
	e.order.RemainingAmount = e.order.RemainingAmount.Sub(amount)
	if e.order.RemainingAmount.IsZero() {
		e.order.Status = domain.OrderStatusFilled
		b.remove(e)
	} else {
		e.order.Status = domain.OrderStatusPartiallyFilled
	}
	return e.order, nil
}

// Expired returns the resting orders whose expiry is at or before now.
func (b *OrderBook) Expired(now time.Time) []domain.Order {
	var out []domain.Order
	for _, e := range b.index {
		if e.order.ExpiredAt(now) {
			out = append(out, e.order)
		}
	}
	return out
}

// Snapshot aggregates the top depth price levels of each side. depth <= 0
// returns every level.
func (b *OrderBook) Snapshot(depth int, now time.Time) domain.BookSnapshot {
	return domain.BookSnapshot{
		Pair:      b.pair,
		Bids:      levels(b.bids, depth),
		Asks:      levels(b.asks, depth),
		Timestamp: now,
	}
}

func levels(t *btree.BTreeG[*entry], depth int) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0)
	t.Ascend(func(e *entry) bool {
		n := len(out)
		if n > 0 && out[n-1].Price.Equal(e.order.LimitPrice) {
			out[n-1].Amount = out[n-1].Amount.Add(e.order.RemainingAmount)
			out[n-1].Orders++
			return true
		}
		if depth > 0 && n == depth {
			return false
		}
		out = append(out, domain.PriceLevel{
			Price:  e.order.LimitPrice,
			Amount: e.order.RemainingAmount,
			Orders: 1,
		})
		return true
	})
	return out
}

func (b *OrderBook) remove(e *entry) {
	b.side(e.order.Side).Delete(e)
	delete(b.index, e.order.ID)
}
