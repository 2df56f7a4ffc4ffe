package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID, requesterID string) (domain.CancelResult, error)
	GetOrder(ctx context.Context, orderID, requesterID string) (domain.Order, error)
	ListOrders(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

type submitOrderRequest struct {
	Pair          string          `json:"pair"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

type cancelOrderResponse struct {
	OrderID         string          `json:"order_id"`
	Status          string          `json:"status"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	CancelledAmount decimal.Decimal `json:"cancelled_amount"`
}

// SubmitOrder places a limit order for the authenticated caller.
// POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "submit order", err)
		return
	}

	o, err := h.orders.SubmitOrder(r.Context(), domain.OrderRequest{
		Pair:          domain.Pair(req.Pair),
		Side:          domain.OrderSide(strings.ToUpper(req.Side)),
		LimitPrice:    req.Price,
		Amount:        req.Amount,
		OwnerID:       caller(r).UserID,
		PaymentMethod: req.PaymentMethod,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "submit order", err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderView(o))
}

// CancelOrder cancels the unfilled remainder of the caller's order.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.orders.CancelOrder(r.Context(), id, caller(r).UserID)
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, cancelOrderResponse{
		OrderID:         res.OrderID,
		Status:          string(res.Status),
		FilledAmount:    res.FilledAmount,
		CancelledAmount: res.CancelledAmount,
	})
}

// GetOrder returns one of the caller's orders.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"), caller(r).UserID)
	if err != nil {
		writeDomainError(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

// ListOrders returns the caller's orders, newest first.
// GET /api/orders?limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListOrders(r.Context(), caller(r).UserID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}
