package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// MarketService provides the public market data reads.
type MarketService interface {
	OrderBook(ctx context.Context, pair string, depth int) (domain.BookSnapshot, error)
	RecentTrades(ctx context.Context, pair string, limit int) ([]domain.Trade, error)
}

// MarketHandler serves the public book and trade tape.
type MarketHandler struct {
	market MarketService
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(market MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{market: market, logger: logger}
}

// OrderBook returns the aggregated book for a pair.
// GET /api/pairs/{pair}/book?depth=20
func (h *MarketHandler) OrderBook(w http.ResponseWriter, r *http.Request) {
	depth := queryInt(r, "depth", 20, 500)
	snap, err := h.market.OrderBook(r.Context(), chi.URLParam(r, "pair"), depth)
	if err != nil {
		writeDomainError(w, r, h.logger, "order book", err)
		return
	}
	if snap.Bids == nil {
		snap.Bids = []domain.PriceLevel{}
	}
	if snap.Asks == nil {
		snap.Asks = []domain.PriceLevel{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// RecentTrades returns the newest trades of a pair without counterparty
// details.
// GET /api/pairs/{pair}/trades?limit=50
func (h *MarketHandler) RecentTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.market.RecentTrades(r.Context(), chi.URLParam(r, "pair"), queryInt(r, "limit", 50, 500))
	if err != nil {
		writeDomainError(w, r, h.logger, "recent trades", err)
		return
	}
	views := make([]publicTradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, publicTradeView{
			ID:         t.ID,
			Pair:       t.Pair,
			Amount:     t.Amount,
			Price:      t.Price,
			FiatAmount: t.FiatAmount,
			CreatedAt:  t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": views})
}
