package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// ConfirmPayment records that the seller received the fiat payment and asks
// the custodian to release escrow to the buyer. Only the seller may confirm.
func (s *Service) ConfirmPayment(ctx context.Context, tradeID, confirmerID string) (domain.Trade, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if confirmerID != t.SellerID {
		return t, fmt.Errorf("settlement: confirm payment %s by %s: %w: %w",
			tradeID, confirmerID, domain.ErrInvalidTransition, domain.ErrNotCounterparty)
	}
	if t.State != domain.TradeStatePaymentPending {
		return t, fmt.Errorf("settlement: confirm payment %s in %s: %w", tradeID, t.State, domain.ErrInvalidTransition)
	}

	t, err = s.transition(ctx, t, change{to: domain.TradeStatePaymentConfirmed})
	if err != nil {
		return t, err
	}
	if err := s.beginRelease(ctx, tradeID); err != nil {
		return t, err
	}
	return t, nil
}

// beginRelease marks escrow for release and sends the request. The caller
// holds the trade's lock.
func (s *Service) beginRelease(ctx context.Context, tradeID string) error {
	rec, err := s.escrows.Update(ctx, domain.EscrowUpdate{
		TradeID: tradeID,
		From:    []domain.EscrowStatus{domain.EscrowStatusFunded},
		To:      domain.EscrowStatusReleaseRequested,
		At:      s.now(),
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Already requested; re-send in case the first attempt was lost.
		rec, err = s.escrows.Get(ctx, tradeID)
		if err == nil && rec.Status != domain.EscrowStatusReleaseRequested {
			return fmt.Errorf("settlement: release %s with escrow %s: %w", tradeID, rec.Status, domain.ErrInvalidTransition)
		}
	}
	if err != nil {
		return fmt.Errorf("settlement: begin release %s: %w", tradeID, err)
	}
	s.sendRelease(rec)
	return nil
}

func (s *Service) sendRelease(rec domain.EscrowRecord) {
	s.dispatch("release:"+rec.TradeID, func(ctx context.Context) {
		err := s.retry(ctx, "request_release", rec.TradeID, func(ctx context.Context) error {
			return s.custodian.RequestRelease(ctx, rec.TradeID, rec.CustodyRef)
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "settlement: release request failed",
				slog.String("trade_id", rec.TradeID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// OnReleaseConfirmed completes a trade once the custodian has released
// escrow to the buyer.
func (s *Service) OnReleaseConfirmed(ctx context.Context, tradeID, releaseRef string) (bool, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return false, err
	}
	if _, err := s.escrows.Update(ctx, domain.EscrowUpdate{
		TradeID:      tradeID,
		From:         []domain.EscrowStatus{domain.EscrowStatusReleaseRequested},
		To:           domain.EscrowStatusReleased,
		ReleaseTxRef: releaseRef,
		At:           s.now(),
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			s.discard(ctx, "release confirmation", t)
			return false, nil
		}
		return false, err
	}

	switch t.State {
	case domain.TradeStatePaymentConfirmed:
		if _, err := s.transition(ctx, t, change{to: domain.TradeStateReleased}); err != nil {
			return false, err
		}
	case domain.TradeStateDisputed:
		// A dispute was opened after the release had already been sent.
		if _, err := s.transition(ctx, t, change{to: domain.TradeStateReleased}); err != nil {
			return false, err
		}
		s.closeDisputeAsReleased(ctx, t)
	}
	return true, nil
}

func (s *Service) closeDisputeAsReleased(ctx context.Context, t domain.Trade) {
	d, err := s.disputes.GetActiveByTrade(ctx, t.ID)
	if err != nil {
		return
	}
	if err := s.disputes.Resolve(ctx, d.ID, domain.DisputeOutcomeRelease, "custodian", "escrow released before ruling", s.now()); err != nil {
		s.logger.WarnContext(ctx, "settlement: close superseded dispute failed",
			slog.String("dispute_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}

// beginRefund marks escrow for refund to the seller and sends the request.
// Only the caller that wins the escrow compare-and-set sends it. The caller
// holds the trade's lock.
func (s *Service) beginRefund(ctx context.Context, tradeID string) error {
	rec, err := s.escrows.Update(ctx, domain.EscrowUpdate{
		TradeID: tradeID,
		From:    []domain.EscrowStatus{domain.EscrowStatusFunded, domain.EscrowStatusReleaseRequested},
		To:      domain.EscrowStatusRefundRequested,
		At:      s.now(),
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		s.logger.InfoContext(ctx, "settlement: refund already requested or nothing to refund",
			slog.String("trade_id", tradeID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: begin refund %s: %w", tradeID, err)
	}

	s.dispatch("refund:"+tradeID, func(ctx context.Context) {
		err := s.retry(ctx, "request_refund", tradeID, func(ctx context.Context) error {
			return s.custodian.RequestRefund(ctx, tradeID, rec.CustodyRef)
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "settlement: refund request failed",
				slog.String("trade_id", tradeID),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

// OnRefundConfirmed records that escrow went back to the seller.
func (s *Service) OnRefundConfirmed(ctx context.Context, tradeID, refundRef string) (bool, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	if _, err := s.escrows.Update(ctx, domain.EscrowUpdate{
		TradeID:     tradeID,
		From:        []domain.EscrowStatus{domain.EscrowStatusRefundRequested},
		To:          domain.EscrowStatusRefunded,
		RefundTxRef: refundRef,
		At:          s.now(),
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.InfoContext(ctx, "settlement: discarding refund confirmation", slog.String("trade_id", tradeID))
			return false, nil
		}
		return false, err
	}
	s.auditLog(ctx, "escrow_refunded", map[string]any{"trade_id": tradeID, "refund_ref": refundRef})
	return true, nil
}
