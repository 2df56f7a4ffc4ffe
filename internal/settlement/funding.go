package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Create accepts a freshly matched trade and starts escrow funding in the
// background. The trade must already be persisted in CREATED.
func (s *Service) Create(ctx context.Context, t domain.Trade) error {
	if t.State != domain.TradeStateCreated {
		return fmt.Errorf("settlement: create trade %s in %s: %w", t.ID, t.State, domain.ErrInvalidTransition)
	}
	s.auditLog(ctx, "trade_created", map[string]any{
		"trade_id":  t.ID,
		"pair":      string(t.Pair),
		"buyer_id":  t.BuyerID,
		"seller_id": t.SellerID,
		"amount":    t.Amount.String(),
		"price":     t.Price.String(),
	})
	s.requestFunding(t)
	return nil
}

func (s *Service) requestFunding(t domain.Trade) {
	s.dispatch("fund:"+t.ID, func(ctx context.Context) {
		var ref string
		err := s.retry(ctx, "request_funding", t.ID, func(ctx context.Context) error {
			var err error
			ref, err = s.custodian.RequestFunding(ctx, t.ID, t.Amount, t.Pair.Base())
			return err
		})
		if err := s.onFundingRequested(ctx, t.ID, ref, err); err != nil {
			s.logger.ErrorContext(ctx, "settlement: funding request handling failed",
				slog.String("trade_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// onFundingRequested records the custodian's answer to a funding request.
func (s *Service) onFundingRequested(ctx context.Context, tradeID, custodyRef string, callErr error) error {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.State != domain.TradeStateCreated {
		s.discard(ctx, "funding acknowledgment", t)
		return nil
	}

	switch {
	case errors.Is(callErr, domain.ErrCustodyRejected):
		_, err = s.transition(ctx, t, change{to: domain.TradeStateCancelled, reason: domain.CancelReasonCustodyRejected})
		return err
	case callErr != nil:
		// Left in CREATED; the sweep re-sends or cancels it at the funding deadline.
		s.logger.WarnContext(ctx, "settlement: funding request not acknowledged",
			slog.String("trade_id", tradeID),
			slog.String("error", callErr.Error()),
		)
		return nil
	}

	if err := s.openEscrow(ctx, t, custodyRef); err != nil {
		return err
	}
	_, err = s.transition(ctx, t, change{
		to:        domain.TradeStateFunding,
		expiresAt: deadline(s.now(), s.cfg.FundingTimeout),
	})
	return err
}

func (s *Service) openEscrow(ctx context.Context, t domain.Trade, custodyRef string) error {
	now := s.now()
	err := s.escrows.Create(ctx, domain.EscrowRecord{
		TradeID:    t.ID,
		Asset:      t.Pair.Base(),
		Amount:     t.Amount,
		CustodyRef: custodyRef,
		Status:     domain.EscrowStatusFundingRequested,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("settlement: open escrow %s: %w", t.ID, err)
	}
	return nil
}

// OnFundingConfirmed handles the custodian's confirmation that the seller's
// crypto is locked. It reports whether the callback changed anything;
// replays return false.
func (s *Service) OnFundingConfirmed(ctx context.Context, tradeID, custodyRef, txRef string) (bool, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return false, err
	}

	switch t.State {
	case domain.TradeStateCreated:
		// The callback beat the acknowledgment of the funding request.
		if err := s.openEscrow(ctx, t, custodyRef); err != nil {
			return false, err
		}
		if t, err = s.transition(ctx, t, change{
			to:        domain.TradeStateFunding,
			expiresAt: deadline(s.now(), s.cfg.FundingTimeout),
		}); err != nil {
			return false, err
		}
	case domain.TradeStateFunding:
	case domain.TradeStateCancelled, domain.TradeStateExpired:
		return s.refundLateFunding(ctx, t, custodyRef, txRef)
	default:
		s.discard(ctx, "funding confirmation", t)
		return false, nil
	}

	if _, err := s.escrows.Update(ctx, domain.EscrowUpdate{
		TradeID:   tradeID,
		From:      []domain.EscrowStatus{domain.EscrowStatusFundingRequested},
		To:        domain.EscrowStatusFunded,
		FundTxRef: txRef,
		At:        s.now(),
	}); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return false, err
	}

	if _, err := s.transition(ctx, t, change{
		to:        domain.TradeStatePaymentPending,
		expiresAt: deadline(s.now(), s.cfg.PaymentWindow),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// refundLateFunding returns crypto that arrived after the trade was already
// abandoned. The escrow compare-and-set makes the refund one-shot.
func (s *Service) refundLateFunding(ctx context.Context, t domain.Trade, custodyRef, txRef string) (bool, error) {
	now := s.now()
	err := s.escrows.Create(ctx, domain.EscrowRecord{
		TradeID:    t.ID,
		Asset:      t.Pair.Base(),
		Amount:     t.Amount,
		CustodyRef: custodyRef,
		FundTxRef:  txRef,
		Status:     domain.EscrowStatusFunded,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		_, err = s.escrows.Update(ctx, domain.EscrowUpdate{
			TradeID:   t.ID,
			From:      []domain.EscrowStatus{domain.EscrowStatusFundingRequested},
			To:        domain.EscrowStatusFunded,
			FundTxRef: txRef,
			At:        now,
		})
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		s.discard(ctx, "late funding confirmation", t)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settlement: record late funding %s: %w", t.ID, err)
	}

	s.logger.WarnContext(ctx, "settlement: funding arrived after trade closed, refunding",
		slog.String("trade_id", t.ID),
		slog.String("state", string(t.State)),
	)
	if err := s.beginRefund(ctx, t.ID); err != nil {
		return false, err
	}
	return true, nil
}

// OnCustodyRejected handles an asynchronous rejection from the custodian.
// Only trades that are still waiting for funding are affected.
func (s *Service) OnCustodyRejected(ctx context.Context, tradeID, reason string) (bool, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return false, err
	}
	if t.State != domain.TradeStateCreated && t.State != domain.TradeStateFunding {
		s.logger.ErrorContext(ctx, "settlement: custodian rejected a request past funding",
			slog.String("trade_id", tradeID),
			slog.String("state", string(t.State)),
			slog.String("reason", reason),
		)
		return false, nil
	}
	if _, err := s.transition(ctx, t, change{to: domain.TradeStateCancelled, reason: domain.CancelReasonCustodyRejected}); err != nil {
		return false, err
	}
	return true, nil
}
