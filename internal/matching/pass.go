package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/orderbook"
)

// PassResult summarizes one matching pass.
type PassResult struct {
	Pair    domain.Pair
	Fills   int
	Expired int
	Volume  decimal.Decimal
	Skipped bool // another process holds the pair lock
	Elapsed time.Duration
}

// RunPass matches pair's book until no bid crosses an ask. Fills are
// persisted before the in-memory book is touched; a failed write leaves the
// book exactly as it was before that fill.
func (e *Engine) RunPass(ctx context.Context, pair domain.Pair) (res PassResult, err error) {
	res = PassResult{Pair: pair, Volume: decimal.Zero}
	ps, err := e.lookup(pair)
	if err != nil {
		return res, err
	}
	if reason := ps.halted.Load(); reason != nil {
		return res, fmt.Errorf("matching: pair %s halted (%s): %w", pair, *reason, domain.ErrConsistency)
	}

	release, err := e.acquire(ctx, ps)
	if err != nil {
		return res, err
	}
	defer release()

	var pl *pairLock
	if e.deps.Locks != nil && e.cfg.LockTTL > 0 {
		lk, err := e.deps.Locks.Acquire(ctx, "match:"+string(pair), e.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			res.Skipped = true
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("matching: pair lock %s: %w", pair, err)
		}
		defer lk.Release()
		pl = &pairLock{lock: lk, ttl: e.cfg.LockTTL, renewed: time.Now()}
	}

	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		e.metrics.recordPass(res.Elapsed)
		if res.Fills > 0 || res.Expired > 0 {
			e.publishSnapshot(ctx, ps)
		}
	}()

	// Overdue orders leave the book before matching so they never fill.
	res.Expired, err = e.expirePair(ctx, ps, e.now())
	if err != nil {
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		bid, ask, ok := nextMatch(ps.book)
		if !ok {
			return res, nil
		}
		if err := pl.keep(ctx); err != nil {
			return res, fmt.Errorf("matching: pair lock %s: %w", pair, err)
		}
		amount, err := e.fill(ctx, ps, bid, ask)
		if err != nil {
			return res, err
		}
		res.Fills++
		res.Volume = res.Volume.Add(amount)
	}
}

// pairLock is the distributed lock held for one pass.
type pairLock struct {
	lock    domain.Lock
	ttl     time.Duration
	renewed time.Time
}

// keep extends the lock once half its TTL has passed. A nil pairLock means
// no distributed lock is in use.
func (p *pairLock) keep(ctx context.Context) error {
	if p == nil || time.Since(p.renewed) < p.ttl/2 {
		return nil
	}
	if err := p.lock.Extend(ctx, p.ttl); err != nil {
		return err
	}
	p.renewed = time.Now()
	return nil
}

// fill executes one match between a resting bid and ask.
func (e *Engine) fill(ctx context.Context, ps *pairState, bid, ask domain.Order) (decimal.Decimal, error) {
	amount := decimal.Min(bid.RemainingAmount, ask.RemainingAmount)
	// The order that arrived first sets the price.
	price := ask.LimitPrice
	if bid.Sequence < ask.Sequence {
		price = bid.LimitPrice
	}
	now := e.now()

	f := domain.Fill{
		Pair:        ps.pair,
		BuyOrderID:  bid.ID,
		SellOrderID: ask.ID,
		Amount:      amount,
		Price:       price,
		SequenceNo:  e.seq.Add(1),
		ExecutedAt:  now,
	}
	paymentMethod := ask.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = bid.PaymentMethod
	}
	trade := domain.Trade{
		ID:            uuid.NewString(),
		Pair:          ps.pair,
		BuyOrderID:    bid.ID,
		SellOrderID:   ask.ID,
		BuyerID:       bid.OwnerID,
		SellerID:      ask.OwnerID,
		Amount:        amount,
		Price:         price,
		FiatAmount:    amount.Mul(price).Round(2),
		PaymentMethod: paymentMethod,
		FillSequence:  f.SequenceNo,
		State:         domain.TradeStateCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := e.deps.Recorder.RecordMatch(ctx, domain.Match{
		Fill:  f,
		Trade: trade,
		Buy:   afterFill(bid, amount, now),
		Sell:  afterFill(ask, amount, now),
	})
	if errors.Is(err, domain.ErrCommitUnknown) || errors.Is(err, domain.ErrConsistency) {
		e.halt(ctx, ps, "fill outcome unknown for trade "+trade.ID)
		return decimal.Zero, fmt.Errorf("matching: record fill on %s: %w: %w", ps.pair, domain.ErrConsistency, err)
	}
	if err != nil {
		e.metrics.aborted.Add(1)
		e.logger.WarnContext(ctx, "matching: fill not recorded, pass aborted",
			slog.String("pair", string(ps.pair)),
			slog.String("error", err.Error()),
		)
		return decimal.Zero, fmt.Errorf("matching: record fill on %s: %w", ps.pair, err)
	}

	buy, errBuy := ps.book.ApplyFill(bid.ID, amount)
	sell, errSell := ps.book.ApplyFill(ask.ID, amount)
	if err := errors.Join(errBuy, errSell); err != nil {
		e.halt(ctx, ps, "book rejected a recorded fill: "+err.Error())
		return decimal.Zero, fmt.Errorf("matching: apply fill on %s: %w: %w", ps.pair, domain.ErrConsistency, err)
	}
	e.metrics.recordFill(ps.pair, amount)

	e.logger.InfoContext(ctx, "matching: fill",
		slog.String("pair", string(ps.pair)),
		slog.String("trade_id", trade.ID),
		slog.String("amount", amount.String()),
		slog.String("price", price.String()),
		slog.Uint64("sequence", f.SequenceNo),
	)
	e.emit(ctx, domain.FillExecuted{
		TradeID:     trade.ID,
		Pair:        ps.pair,
		BuyOrderID:  bid.ID,
		SellOrderID: ask.ID,
		Amount:      amount,
		Price:       price,
		SequenceNo:  f.SequenceNo,
		At:          now,
	})
	for _, o := range []domain.Order{buy, sell} {
		e.emit(ctx, domain.OrderUpdated{
			OrderID:         o.ID,
			Pair:            o.Pair,
			Status:          o.Status,
			RemainingAmount: o.RemainingAmount,
			At:              now,
		})
	}
	e.emit(ctx, domain.TradeCreated{
		TradeID:       trade.ID,
		Pair:          trade.Pair,
		BuyerID:       trade.BuyerID,
		SellerID:      trade.SellerID,
		Amount:        trade.Amount,
		Price:         trade.Price,
		FiatAmount:    trade.FiatAmount,
		PaymentMethod: trade.PaymentMethod,
		At:            now,
	})

	if e.deps.Settlement != nil {
		if err := e.deps.Settlement.Create(ctx, trade); err != nil {
			// The trade is durable in CREATED; the settlement sweep picks it up.
			e.logger.ErrorContext(ctx, "matching: settlement handoff failed",
				slog.String("trade_id", trade.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return amount, nil
}

func afterFill(o domain.Order, amount decimal.Decimal, now time.Time) domain.Order {
	o.RemainingAmount = o.RemainingAmount.Sub(amount)
	if o.RemainingAmount.IsZero() {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = now
	return o
}

// nextMatch finds the next bid/ask pair to fill. Orders from the same owner
// never trade with each other; the resting order is passed over and the
// next counter order in priority is tried instead.
func nextMatch(book *orderbook.OrderBook) (bid, ask domain.Order, ok bool) {
	bestBid, okBid := book.PeekBestBid()
	bestAsk, okAsk := book.PeekBestAsk()
	if !okBid || !okAsk || bestBid.LimitPrice.LessThan(bestAsk.LimitPrice) {
		return bid, ask, false
	}
	if bestBid.OwnerID != bestAsk.OwnerID {
		return bestBid, bestAsk, true
	}

	// Newer top first: it is the incoming side of the would-be self-trade.
	first, second := bestBid, bestAsk
	if bestAsk.Sequence > bestBid.Sequence {
		first, second = bestAsk, bestBid
	}
	for _, o := range []domain.Order{first, second} {
		c, found := counterFor(book, o)
		if !found {
			continue
		}
		if o.Side == domain.OrderSideBuy {
			return o, c, true
		}
		return c, o, true
	}
	return bid, ask, false
}

// counterFor returns the best opposite order that crosses o and belongs to
// a different owner.
func counterFor(book *orderbook.OrderBook, o domain.Order) (domain.Order, bool) {
	var found domain.Order
	var ok bool
	book.Ascend(o.Side.Opposite(), func(c domain.Order) bool {
		if !crosses(o, c) {
			return false
		}
		if c.OwnerID != o.OwnerID {
			found, ok = c, true
			return false
		}
		return true
	})
	return found, ok
}

func crosses(o, counter domain.Order) bool {
	if o.Side == domain.OrderSideBuy {
		return o.LimitPrice.GreaterThanOrEqual(counter.LimitPrice)
	}
	return o.LimitPrice.LessThanOrEqual(counter.LimitPrice)
}
