// Package matching owns the per-pair order books and runs matching passes
// over them. Each pair has an execution token; whoever holds it is the only
// code mutating that pair's book.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/orderbook"
)

// TradeHandler receives every trade produced by a pass, synchronously.
type TradeHandler interface {
	Create(ctx context.Context, t domain.Trade) error
}

// Config tunes the engine.
type Config struct {
	// SnapshotDepth is how many price levels per side the published
	// snapshot keeps. 0 keeps every level.
	SnapshotDepth int
	// LockTTL enables the distributed pair lock when Locks is set. A pass
	// extends the lock between fills once half the TTL has gone by, so the
	// TTL only bounds a single fill or expiry sweep.
	LockTTL time.Duration
}

// Deps are the engine's collaborators. BookCache and Locks may be nil.
type Deps struct {
	Orders     domain.OrderStore
	Recorder   domain.MatchRecorder
	Settlement TradeHandler
	Sink       domain.EventSink
	BookCache  domain.BookCache
	Locks      domain.LockManager
}

type schedState int

const (
	schedIdle schedState = iota
	schedQueued
	schedRunning
)

type pairState struct {
	pair  domain.Pair
	token chan struct{}
	book  *orderbook.OrderBook // guarded by token

	snapshot atomic.Pointer[domain.BookSnapshot]
	halted   atomic.Pointer[string]

	schedMu sync.Mutex
	sched   schedState
	pending bool
}

// Engine is the matching engine for every pair.
type Engine struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	now     func() time.Time
	metrics *Metrics
	seq     atomic.Uint64

	mu    sync.RWMutex
	pairs map[domain.Pair]*pairState

	trigger atomic.Pointer[func(domain.Pair)]
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with no pairs. Call Rebuild before serving.
func NewEngine(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(slog.String("component", "matching")),
		now:     func() time.Time { return time.Now().UTC() },
		metrics: newMetrics(),
		pairs:   make(map[domain.Pair]*pairState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetTrigger installs the callback invoked whenever a book changes in a way
// that may have produced a cross.
func (e *Engine) SetTrigger(fn func(domain.Pair)) {
	e.trigger.Store(&fn)
}

func (e *Engine) notify(pair domain.Pair) {
	if fn := e.trigger.Load(); fn != nil {
		(*fn)(pair)
	}
}

func (e *Engine) lookup(pair domain.Pair) (*pairState, error) {
	e.mu.RLock()
	ps, ok := e.pairs[pair]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("matching: pair %s: %w", pair, domain.ErrNotFound)
	}
	return ps, nil
}

func (e *Engine) pairFor(pair domain.Pair) *pairState {
	e.mu.RLock()
	ps, ok := e.pairs[pair]
	e.mu.RUnlock()
	if ok {
		return ps
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok = e.pairs[pair]; ok {
		return ps
	}
	ps = &pairState{
		pair:  pair,
		token: make(chan struct{}, 1),
		book:  orderbook.New(pair),
	}
	empty := ps.book.Snapshot(e.cfg.SnapshotDepth, e.now())
	ps.snapshot.Store(&empty)
	e.pairs[pair] = ps
	e.logger.Info("matching: pair activated", slog.String("pair", string(pair)))
	return ps
}

// Activate registers pairs up front so their (empty) books are served before
// the first order arrives.
func (e *Engine) Activate(pairs ...domain.Pair) {
	for _, p := range pairs {
		e.pairFor(p)
	}
}

// acquire takes the pair's execution token.
func (e *Engine) acquire(ctx context.Context, ps *pairState) (release func(), err error) {
	select {
	case ps.token <- struct{}{}:
		return func() { <-ps.token }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pairs returns every active pair, sorted.
func (e *Engine) Pairs() []domain.Pair {
	e.mu.RLock()
	out := make([]domain.Pair, 0, len(e.pairs))
	for p := range e.pairs {
		out = append(out, p)
	}
	e.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Halted reports whether matching is stopped for pair.
func (e *Engine) Halted(pair domain.Pair) bool {
	ps, err := e.lookup(pair)
	return err == nil && ps.halted.Load() != nil
}

// Metrics returns a copy of the engine counters.
func (e *Engine) Metrics() domain.EngineMetrics {
	pairs := e.Pairs()
	var halted []domain.Pair
	for _, p := range pairs {
		if e.Halted(p) {
			halted = append(halted, p)
		}
	}
	return e.metrics.snapshot(len(pairs), halted)
}

// OrderBook returns the last published snapshot of pair, trimmed to depth.
// It never waits for a running pass.
func (e *Engine) OrderBook(pair domain.Pair, depth int) (domain.BookSnapshot, error) {
	ps, err := e.lookup(pair)
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	return ps.snapshot.Load().Truncate(depth), nil
}

// SubmitOrder validates, persists and rests a new order, then triggers
// matching for its pair.
func (e *Engine) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	pair, err := domain.ParsePair(string(req.Pair))
	if err != nil {
		return domain.Order{}, err
	}
	// An expiry already in the past is accepted; the order rests until a
	// pass or sweep expires it and never fills.
	now := e.now()
	o := domain.Order{
		ID:              uuid.NewString(),
		Pair:            pair,
		Side:            req.Side,
		LimitPrice:      req.LimitPrice,
		OriginalAmount:  req.Amount,
		RemainingAmount: req.Amount,
		OwnerID:         req.OwnerID,
		PaymentMethod:   req.PaymentMethod,
		Status:          domain.OrderStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       req.ExpiresAt,
	}
	if err := o.Validate(); err != nil {
		return domain.Order{}, err
	}

	ps := e.pairFor(pair)
	if ps.halted.Load() != nil {
		return domain.Order{}, fmt.Errorf("matching: pair %s halted: %w", pair, domain.ErrConsistency)
	}
	release, err := e.acquire(ctx, ps)
	if err != nil {
		return domain.Order{}, err
	}

	o.Sequence = e.seq.Add(1)
	if err := e.deps.Orders.Create(ctx, o); err != nil {
		release()
		return domain.Order{}, fmt.Errorf("matching: persist order %s: %w", o.ID, err)
	}
	if err := ps.book.Insert(o); err != nil {
		release()
		e.halt(ctx, ps, "insert of persisted order failed: "+err.Error())
		return domain.Order{}, fmt.Errorf("matching: rest order %s: %w", o.ID, domain.ErrConsistency)
	}
	e.publishSnapshot(ctx, ps)
	release()

	e.emit(ctx, domain.OrderAccepted{
		OrderID:       o.ID,
		Pair:          o.Pair,
		Side:          o.Side,
		LimitPrice:    o.LimitPrice,
		Amount:        o.OriginalAmount,
		OwnerID:       o.OwnerID,
		PaymentMethod: o.PaymentMethod,
		Sequence:      o.Sequence,
		At:            now,
	})
	e.logger.InfoContext(ctx, "matching: order accepted",
		slog.String("order_id", o.ID),
		slog.String("pair", string(o.Pair)),
		slog.String("side", string(o.Side)),
		slog.String("price", o.LimitPrice.String()),
		slog.String("amount", o.OriginalAmount.String()),
	)
	e.notify(pair)
	return o, nil
}

// CancelOrder removes the unfilled remainder of an order. Only the owner may
// cancel; other requesters see NOT_FOUND. A cancel that loses the race with
// a pass observes that pass's fills.
func (e *Engine) CancelOrder(ctx context.Context, orderID, requesterID string) (domain.CancelResult, error) {
	stored, err := e.deps.Orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.CancelResult{}, err
	}
	if stored.OwnerID != requesterID {
		return domain.CancelResult{}, fmt.Errorf("matching: cancel %s: %w", orderID, domain.ErrNotFound)
	}

	ps := e.pairFor(stored.Pair)
	release, err := e.acquire(ctx, ps)
	if err != nil {
		return domain.CancelResult{}, err
	}
	defer release()

	current, resting := ps.book.Get(orderID)
	if !resting {
		latest, err := e.deps.Orders.GetByID(ctx, orderID)
		if err != nil {
			return domain.CancelResult{}, err
		}
		if latest.Status == domain.OrderStatusFilled {
			return domain.CancelResult{}, fmt.Errorf("matching: cancel %s: %w", orderID, domain.ErrAlreadyFilled)
		}
		return domain.CancelResult{}, fmt.Errorf("matching: cancel %s in %s: %w", orderID, latest.Status, domain.ErrNotFound)
	}

	now := e.now()
	if err := e.deps.Orders.CloseResting(ctx, orderID, domain.OrderStatusCancelled, now); err != nil {
		return domain.CancelResult{}, fmt.Errorf("matching: persist cancel %s: %w", orderID, err)
	}
	if _, err := ps.book.Cancel(orderID, domain.OrderStatusCancelled); err != nil {
		return domain.CancelResult{}, err
	}
	e.publishSnapshot(ctx, ps)

	e.emit(ctx, domain.OrderUpdated{
		OrderID:         orderID,
		Pair:            current.Pair,
		Status:          domain.OrderStatusCancelled,
		RemainingAmount: current.RemainingAmount,
		At:              now,
	})
	return domain.CancelResult{
		OrderID:         orderID,
		Status:          domain.OrderStatusCancelled,
		FilledAmount:    current.FilledAmount(),
		CancelledAmount: current.RemainingAmount,
	}, nil
}

// Sweep expires resting orders whose deadline has passed. Expired orders
// leave the book without producing a trade.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	for _, pair := range e.Pairs() {
		ps, err := e.lookup(pair)
		if err != nil {
			continue
		}
		release, err := e.acquire(ctx, ps)
		if err != nil {
			return err
		}
		n, err := e.expirePair(ctx, ps, now)
		if n > 0 {
			e.publishSnapshot(ctx, ps)
		}
		release()
		if err != nil {
			return err
		}
		if n > 0 {
			e.logger.InfoContext(ctx, "matching: expired orders",
				slog.String("pair", string(pair)),
				slog.Int("count", n),
			)
		}
	}
	return nil
}

func (e *Engine) expirePair(ctx context.Context, ps *pairState, now time.Time) (int, error) {
	n := 0
	for _, o := range ps.book.Expired(now) {
		if err := e.deps.Orders.CloseResting(ctx, o.ID, domain.OrderStatusExpired, now); err != nil {
			return n, fmt.Errorf("matching: expire order %s: %w", o.ID, err)
		}
		if _, err := ps.book.Cancel(o.ID, domain.OrderStatusExpired); err != nil {
			return n, err
		}
		e.metrics.expired.Add(1)
		n++
		e.emit(ctx, domain.OrderUpdated{
			OrderID:         o.ID,
			Pair:            o.Pair,
			Status:          domain.OrderStatusExpired,
			RemainingAmount: o.RemainingAmount,
			At:              now,
		})
	}
	return n, nil
}

// Rebuild reloads every resting order from the durable store and restores
// the sequence counter. It must run before the engine accepts traffic.
func (e *Engine) Rebuild(ctx context.Context) error {
	orders, err := e.deps.Orders.ListResting(ctx)
	if err != nil {
		return fmt.Errorf("matching: rebuild: %w", err)
	}
	maxSeq, err := e.deps.Orders.MaxSequence(ctx)
	if err != nil {
		return fmt.Errorf("matching: rebuild: %w", err)
	}
	e.seq.Store(maxSeq)

	byPair := make(map[domain.Pair][]domain.Order)
	for _, o := range orders {
		byPair[o.Pair] = append(byPair[o.Pair], o)
	}
	for pair, list := range byPair {
		ps := e.pairFor(pair)
		release, err := e.acquire(ctx, ps)
		if err != nil {
			return err
		}
		err = e.loadBook(ctx, ps, list)
		release()
		if err != nil {
			return err
		}
	}
	e.logger.InfoContext(ctx, "matching: books rebuilt",
		slog.Int("pairs", len(byPair)),
		slog.Int("orders", len(orders)),
		slog.Uint64("sequence", maxSeq),
	)
	return nil
}

func (e *Engine) loadBook(ctx context.Context, ps *pairState, orders []domain.Order) error {
	book := orderbook.New(ps.pair)
	for _, o := range orders {
		if err := book.Insert(o); err != nil {
			return fmt.Errorf("matching: rebuild %s: order %s: %w", ps.pair, o.ID, err)
		}
	}
	ps.book = book
	e.publishSnapshot(ctx, ps)
	return nil
}

// Resume clears a consistency halt after rebuilding the pair's book from the
// durable store, which is authoritative.
func (e *Engine) Resume(ctx context.Context, pair domain.Pair) error {
	ps, err := e.lookup(pair)
	if err != nil {
		return err
	}
	release, err := e.acquire(ctx, ps)
	if err != nil {
		return err
	}

	orders, err := e.deps.Orders.ListResting(ctx)
	if err != nil {
		release()
		return fmt.Errorf("matching: resume %s: %w", pair, err)
	}
	var mine []domain.Order
	for _, o := range orders {
		if o.Pair == pair {
			mine = append(mine, o)
		}
	}
	if err := e.loadBook(ctx, ps, mine); err != nil {
		release()
		return err
	}
	if maxSeq, err := e.deps.Orders.MaxSequence(ctx); err == nil {
		e.raiseSequence(maxSeq)
	}
	ps.halted.Store(nil)
	release()

	e.logger.WarnContext(ctx, "matching: pair resumed", slog.String("pair", string(pair)), slog.Int("orders", len(mine)))
	e.notify(pair)
	return nil
}

// raiseSequence moves the counter forward to at least v.
func (e *Engine) raiseSequence(v uint64) {
	for {
		cur := e.seq.Load()
		if v <= cur || e.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (e *Engine) halt(ctx context.Context, ps *pairState, reason string) {
	if !ps.halted.CompareAndSwap(nil, &reason) {
		return
	}
	e.metrics.halts.Add(1)
	e.logger.ErrorContext(ctx, "matching: pair halted",
		slog.String("pair", string(ps.pair)),
		slog.String("reason", reason),
	)
	e.emit(ctx, domain.PairHalted{Pair: ps.pair, Reason: reason, At: e.now()})
}

// publishSnapshot replaces the pair's read snapshot. The caller holds the token.
func (e *Engine) publishSnapshot(ctx context.Context, ps *pairState) {
	snap := ps.book.Snapshot(e.cfg.SnapshotDepth, e.now())
	ps.snapshot.Store(&snap)
	if e.deps.BookCache != nil {
		if err := e.deps.BookCache.SetSnapshot(ctx, snap); err != nil {
			e.logger.WarnContext(ctx, "matching: cache snapshot failed",
				slog.String("pair", string(ps.pair)),
				slog.String("error", err.Error()),
			)
		}
	}
	e.emit(ctx, domain.BookChanged{
		Pair:    ps.pair,
		BestBid: snap.BestBid(),
		BestAsk: snap.BestAsk(),
		Bids:    len(snap.Bids),
		Asks:    len(snap.Asks),
		At:      snap.Timestamp,
	})
}

func (e *Engine) emit(ctx context.Context, ev domain.Event) {
	if e.deps.Sink == nil {
		return
	}
	if err := e.deps.Sink.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "matching: publish event failed",
			slog.String("kind", string(ev.Kind())),
			slog.String("error", err.Error()),
		)
	}
}
