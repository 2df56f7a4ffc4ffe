package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Settlement is the trade settlement state machine.
type Settlement interface {
	Get(ctx context.Context, tradeID string) (domain.Trade, error)
	ConfirmPayment(ctx context.Context, tradeID, confirmerID string) (domain.Trade, error)
	OpenDispute(ctx context.Context, tradeID, initiatorID, reason string) (domain.Dispute, error)
	UpdateDisputeStatus(ctx context.Context, disputeID string, status domain.DisputeStatus) error
	ResolveDispute(ctx context.Context, tradeID string, outcome domain.DisputeOutcome, resolverID, note string) (domain.Trade, error)
	HandleCallback(ctx context.Context, cb domain.CustodyCallback) (bool, error)
}

// Caller identifies who is making a request.
type Caller struct {
	UserID  string
	Arbiter bool
}

// TradeService exposes settlement to the API with visibility rules applied.
type TradeService struct {
	settlement Settlement
	disputes   domain.DisputeStore
	logger     *slog.Logger
}

// NewTradeService creates a TradeService.
func NewTradeService(settlement Settlement, disputes domain.DisputeStore, logger *slog.Logger) *TradeService {
	return &TradeService{
		settlement: settlement,
		disputes:   disputes,
		logger:     logger.With(slog.String("component", "trade_service")),
	}
}

// GetTrade returns a trade visible to caller: its buyer, its seller or an
// arbiter.
func (s *TradeService) GetTrade(ctx context.Context, tradeID string, caller Caller) (domain.Trade, error) {
	t, err := s.settlement.Get(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !caller.Arbiter && !t.Counterparty(caller.UserID) {
		return domain.Trade{}, fmt.Errorf("trade_service: get %s: %w", tradeID, domain.ErrNotFound)
	}
	return t, nil
}

// ConfirmPayment records the buyer's fiat payment.
func (s *TradeService) ConfirmPayment(ctx context.Context, tradeID string, caller Caller) (domain.Trade, error) {
	return s.settlement.ConfirmPayment(ctx, tradeID, caller.UserID)
}

// OpenDispute opens a dispute on behalf of a counterparty.
func (s *TradeService) OpenDispute(ctx context.Context, tradeID string, caller Caller, reason string) (domain.Dispute, error) {
	return s.settlement.OpenDispute(ctx, tradeID, caller.UserID, reason)
}

// GetDispute returns the latest dispute attached to a trade.
func (s *TradeService) GetDispute(ctx context.Context, tradeID string, caller Caller) (domain.Dispute, error) {
	t, err := s.GetTrade(ctx, tradeID, caller)
	if err != nil {
		return domain.Dispute{}, err
	}
	if t.DisputeID == "" {
		return domain.Dispute{}, fmt.Errorf("trade_service: trade %s has no dispute: %w", tradeID, domain.ErrNotFound)
	}
	return s.disputes.GetByID(ctx, t.DisputeID)
}

// UpdateDisputeStatus records arbitration progress on the trade's open
// dispute. Only INVESTIGATING and ESCALATED can be set this way.
func (s *TradeService) UpdateDisputeStatus(ctx context.Context, tradeID string, status domain.DisputeStatus) (domain.Dispute, error) {
	switch status {
	case domain.DisputeStatusInvestigating, domain.DisputeStatusEscalated:
	default:
		return domain.Dispute{}, fmt.Errorf("%w: dispute status %q cannot be set directly", domain.ErrInvalidTransition, status)
	}

	d, err := s.disputes.GetActiveByTrade(ctx, tradeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := s.settlement.UpdateDisputeStatus(ctx, d.ID, status); err != nil {
		return domain.Dispute{}, err
	}
	return s.disputes.GetByID(ctx, d.ID)
}

// ResolveDispute applies an arbiter's ruling.
func (s *TradeService) ResolveDispute(ctx context.Context, tradeID, outcome string, caller Caller, note string) (domain.Trade, error) {
	if !caller.Arbiter {
		return domain.Trade{}, fmt.Errorf("trade_service: resolve %s: %w", tradeID, domain.ErrUnauthorized)
	}
	o, err := domain.ParseDisputeOutcome(outcome)
	if err != nil {
		return domain.Trade{}, err
	}
	return s.settlement.ResolveDispute(ctx, tradeID, o, caller.UserID, note)
}

// HandleCallback applies an authenticated custodian callback. applied is
// false for duplicates and callbacks that arrive after the trade finished.
func (s *TradeService) HandleCallback(ctx context.Context, cb domain.CustodyCallback) (applied bool, err error) {
	return s.settlement.HandleCallback(ctx, cb)
}
