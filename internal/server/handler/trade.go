package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/service"
)

// TradeService is the settlement surface exposed over HTTP.
type TradeService interface {
	GetTrade(ctx context.Context, tradeID string, caller service.Caller) (domain.Trade, error)
	ConfirmPayment(ctx context.Context, tradeID string, caller service.Caller) (domain.Trade, error)
	OpenDispute(ctx context.Context, tradeID string, caller service.Caller, reason string) (domain.Dispute, error)
	GetDispute(ctx context.Context, tradeID string, caller service.Caller) (domain.Dispute, error)
	UpdateDisputeStatus(ctx context.Context, tradeID string, status domain.DisputeStatus) (domain.Dispute, error)
	ResolveDispute(ctx context.Context, tradeID, outcome string, caller service.Caller, note string) (domain.Trade, error)
}

// TradeHandler serves trade settlement and dispute endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// GetTrade returns a trade to one of its counterparties or an arbiter.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.trades.GetTrade(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "get trade", err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(t))
}

// ConfirmPayment records that the buyer sent the fiat payment.
// POST /api/trades/{id}/confirm-payment
func (h *TradeHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	t, err := h.trades.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "confirm payment", err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(t))
}

type openDisputeRequest struct {
	Reason string `json:"reason"`
}

// OpenDispute opens a dispute on a trade.
// POST /api/trades/{id}/disputes
func (h *TradeHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "open dispute", err)
		return
	}
	d, err := h.trades.OpenDispute(r.Context(), chi.URLParam(r, "id"), caller(r), strings.TrimSpace(req.Reason))
	if err != nil {
		writeDomainError(w, r, h.logger, "open dispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, newDisputeView(d))
}

// GetDispute returns the dispute attached to a trade.
// GET /api/trades/{id}/dispute
func (h *TradeHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.trades.GetDispute(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "get dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(d))
}

type disputeStatusRequest struct {
	Status string `json:"status"`
}

// UpdateDisputeStatus records arbitration progress.
// PATCH /api/trades/{id}/dispute
func (h *TradeHandler) UpdateDisputeStatus(w http.ResponseWriter, r *http.Request) {
	var req disputeStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "update dispute", err)
		return
	}
	status := domain.DisputeStatus(strings.ToUpper(req.Status))
	d, err := h.trades.UpdateDisputeStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeDomainError(w, r, h.logger, "update dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(d))
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
	Note    string `json:"note"`
}

// ResolveDispute applies an arbiter's ruling to a disputed trade.
// POST /api/trades/{id}/resolve
func (h *TradeHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "resolve dispute", err)
		return
	}
	t, err := h.trades.ResolveDispute(r.Context(), chi.URLParam(r, "id"),
		strings.ToUpper(req.Outcome), caller(r), req.Note)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(t))
}
