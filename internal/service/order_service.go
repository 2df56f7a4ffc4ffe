package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// OrderEngine is the part of the matching engine the order API drives.
type OrderEngine interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID, requesterID string) (domain.CancelResult, error)
	OrderBook(pair domain.Pair, depth int) (domain.BookSnapshot, error)
}

// RateLimit is a per-key request budget.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// OrderService handles order submission and the public market reads.
type OrderService struct {
	engine  OrderEngine
	orders  domain.OrderStore
	trades  domain.TradeStore
	books   domain.BookCache
	limiter domain.RateLimiter
	limit   RateLimit
	logger  *slog.Logger
}

// NewOrderService creates an OrderService with all required dependencies.
// books and limiter may be nil.
func NewOrderService(
	engine OrderEngine,
	orders domain.OrderStore,
	trades domain.TradeStore,
	books domain.BookCache,
	limiter domain.RateLimiter,
	limit RateLimit,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		engine:  engine,
		orders:  orders,
		trades:  trades,
		books:   books,
		limiter: limiter,
		limit:   limit,
		logger:  logger.With(slog.String("component", "order_service")),
	}
}

// SubmitOrder rate-limits the owner and hands the order to the engine.
func (s *OrderService) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if s.limiter != nil && s.limit.Limit > 0 {
		allowed, err := s.limiter.Allow(ctx, "orders:"+req.OwnerID, s.limit.Limit, s.limit.Window)
		switch {
		case err != nil:
			// Fail open: a limiter outage must not stop trading.
			s.logger.WarnContext(ctx, "order_service: rate limiter unavailable",
				slog.String("owner_id", req.OwnerID),
				slog.String("error", err.Error()),
			)
		case !allowed:
			return domain.Order{}, fmt.Errorf("order_service: submit for %s: %w", req.OwnerID, domain.ErrRateLimited)
		}
	}
	return s.engine.SubmitOrder(ctx, req)
}

// CancelOrder cancels the unfilled remainder of requesterID's order.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, requesterID string) (domain.CancelResult, error) {
	return s.engine.CancelOrder(ctx, orderID, requesterID)
}

// GetOrder returns an order owned by requesterID. Orders owned by anyone else
// are reported as not found.
func (s *OrderService) GetOrder(ctx context.Context, orderID, requesterID string) (domain.Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.OwnerID != requesterID {
		return domain.Order{}, fmt.Errorf("order_service: get %s: %w", orderID, domain.ErrNotFound)
	}
	return o, nil
}

// ListOrders returns the owner's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.Order, error) {
	return s.orders.ListByOwner(ctx, ownerID, opts)
}

// OrderBook returns the latest snapshot of pair. When this process has no
// book for the pair the shared cache is consulted, so replicas that do not
// run the engine can still serve reads.
func (s *OrderService) OrderBook(ctx context.Context, pair string, depth int) (domain.BookSnapshot, error) {
	p, err := domain.ParsePair(pair)
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	snap, err := s.engine.OrderBook(p, depth)
	if err == nil || !errors.Is(err, domain.ErrNotFound) || s.books == nil {
		return snap, err
	}
	cached, cacheErr := s.books.GetSnapshot(ctx, p)
	if cacheErr != nil {
		return domain.BookSnapshot{}, err
	}
	return cached.Truncate(depth), nil
}

// RecentTrades returns the newest trades of pair.
func (s *OrderService) RecentTrades(ctx context.Context, pair string, limit int) ([]domain.Trade, error) {
	p, err := domain.ParsePair(pair)
	if err != nil {
		return nil, err
	}
	return s.trades.ListRecentByPair(ctx, p, limit)
}
