package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// OpenDispute moves a trade awaiting or past payment confirmation into
// arbitration. The expiry timer is suspended while the dispute is open.
func (s *Service) OpenDispute(ctx context.Context, tradeID, initiatorID, reason string) (domain.Dispute, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if !t.Counterparty(initiatorID) {
		return domain.Dispute{}, fmt.Errorf("settlement: open dispute %s by %s: %w: %w",
			tradeID, initiatorID, domain.ErrInvalidTransition, domain.ErrNotCounterparty)
	}
	if err := checkTransition(t, domain.TradeStateDisputed); err != nil {
		return domain.Dispute{}, err
	}

	now := s.now()
	d := domain.Dispute{
		ID:          uuid.NewString(),
		TradeID:     tradeID,
		InitiatorID: initiatorID,
		Reason:      reason,
		Status:      domain.DisputeStatusOpen,
		OpenedAt:    now,
		UpdatedAt:   now,
	}
	if err := s.disputes.Create(ctx, d); err != nil {
		return domain.Dispute{}, fmt.Errorf("settlement: create dispute for %s: %w", tradeID, err)
	}

	if _, err := s.transition(ctx, t, change{to: domain.TradeStateDisputed, disputeID: d.ID}); err != nil {
		// Another process moved the trade first; the dispute row is void.
		// Left open it would block every later dispute on the trade.
		if verr := s.disputes.Resolve(ctx, d.ID, "", "system", "void: trade left disputable state", s.now()); verr != nil {
			s.logger.ErrorContext(ctx, "settlement: void dispute failed",
				slog.String("dispute_id", d.ID),
				slog.String("trade_id", tradeID),
				slog.String("error", verr.Error()),
			)
		}
		return domain.Dispute{}, err
	}

	s.emit(ctx, domain.DisputeOpened{
		DisputeID:   d.ID,
		TradeID:     tradeID,
		InitiatorID: initiatorID,
		Reason:      reason,
		At:          now,
	})
	return d, nil
}

// UpdateDisputeStatus records arbitration progress. The trade stays DISPUTED.
func (s *Service) UpdateDisputeStatus(ctx context.Context, disputeID string, status domain.DisputeStatus) error {
	if status != domain.DisputeStatusInvestigating && status != domain.DisputeStatusEscalated {
		return fmt.Errorf("settlement: dispute %s to %s: %w", disputeID, status, domain.ErrInvalidTransition)
	}
	if err := s.disputes.UpdateStatus(ctx, disputeID, status, s.now()); err != nil {
		return fmt.Errorf("settlement: update dispute %s: %w", disputeID, err)
	}
	s.auditLog(ctx, "dispute_status", map[string]any{"dispute_id": disputeID, "status": string(status)})
	return nil
}

// ResolveDispute applies an arbiter's ruling. Callers must have verified the
// resolver's arbiter role.
func (s *Service) ResolveDispute(ctx context.Context, tradeID string, outcome domain.DisputeOutcome, resolverID, note string) (domain.Trade, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if t.State != domain.TradeStateDisputed {
		return t, fmt.Errorf("settlement: resolve %s in %s: %w", tradeID, t.State, domain.ErrInvalidTransition)
	}
	d, err := s.disputes.GetActiveByTrade(ctx, tradeID)
	if err != nil {
		return t, fmt.Errorf("settlement: resolve %s: %w", tradeID, err)
	}

	var c change
	switch outcome {
	case domain.DisputeOutcomeRelease:
		c = change{to: domain.TradeStateReleased}
	case domain.DisputeOutcomeRefund:
		c = change{to: domain.TradeStateCancelled, reason: domain.CancelReasonDisputeRefund}
	default:
		return t, fmt.Errorf("settlement: resolve %s with %q: %w", tradeID, outcome, domain.ErrInvalidTransition)
	}

	t, err = s.transition(ctx, t, c)
	if err != nil {
		return t, err
	}
	if err := s.disputes.Resolve(ctx, d.ID, outcome, resolverID, note, s.now()); err != nil {
		s.logger.ErrorContext(ctx, "settlement: record dispute ruling failed",
			slog.String("dispute_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
	s.emit(ctx, domain.DisputeResolved{
		DisputeID:  d.ID,
		TradeID:    tradeID,
		Outcome:    outcome,
		ResolverID: resolverID,
		At:         s.now(),
	})

	if outcome == domain.DisputeOutcomeRelease {
		err = s.beginRelease(ctx, tradeID)
	} else {
		err = s.beginRefund(ctx, tradeID)
	}
	return t, err
}
