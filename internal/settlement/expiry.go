package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// OnExpiry cancels a trade whose payment window has elapsed and requests a
// single refund of the escrowed crypto.
func (s *Service) OnExpiry(ctx context.Context, tradeID string) (domain.Trade, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if t.State != domain.TradeStatePaymentPending {
		return t, fmt.Errorf("settlement: expire %s in %s: %w", tradeID, t.State, domain.ErrInvalidTransition)
	}
	if t.ExpiresAt == nil || s.now().Before(*t.ExpiresAt) {
		return t, fmt.Errorf("settlement: expire %s before its deadline: %w", tradeID, domain.ErrInvalidTransition)
	}

	t, err = s.transition(ctx, t, change{to: domain.TradeStateCancelled, reason: domain.CancelReasonPaymentTimeout})
	if err != nil {
		return t, err
	}
	return t, s.beginRefund(ctx, tradeID)
}

// Sweep enforces settlement deadlines and re-sends custodian requests that
// never completed. It implements the scheduler's periodic sweep.
func (s *Service) Sweep(ctx context.Context, now time.Time) error {
	var errs []error

	due, err := s.trades.ListExpiring(ctx, domain.TradeStatePaymentPending, now, s.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("settlement: list expiring trades: %w", err)
	}
	for _, t := range due {
		if _, err := s.OnExpiry(ctx, t.ID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}

	unfunded, err := s.trades.ListExpiring(ctx, domain.TradeStateFunding, now, s.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("settlement: list unfunded trades: %w", err)
	}
	for _, t := range unfunded {
		if err := s.expireFunding(ctx, t.ID, now); err != nil {
			errs = append(errs, err)
		}
	}

	stale := now.Add(-s.cfg.RedriveAfter)
	created, err := s.trades.ListByState(ctx, domain.TradeStateCreated, stale, s.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("settlement: list created trades: %w", err)
	}
	for _, t := range created {
		if now.Sub(t.CreatedAt) >= s.cfg.FundingTimeout {
			if err := s.cancelUnacknowledged(ctx, t.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		s.requestFunding(t)
	}

	confirmed, err := s.trades.ListByState(ctx, domain.TradeStatePaymentConfirmed, stale, s.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("settlement: list confirmed trades: %w", err)
	}
	for _, t := range confirmed {
		rec, err := s.escrows.Get(ctx, t.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec.Status == domain.EscrowStatusReleaseRequested {
			s.sendRelease(rec)
		}
	}

	if n := len(due) + len(unfunded); n > 0 {
		s.logger.InfoContext(ctx, "settlement: sweep complete",
			slog.Int("payment_expired", len(due)),
			slog.Int("funding_expired", len(unfunded)),
		)
	}
	return errors.Join(errs...)
}

// expireFunding closes a trade whose escrow was never funded in time.
func (s *Service) expireFunding(ctx context.Context, tradeID string, now time.Time) error {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.State != domain.TradeStateFunding || t.ExpiresAt == nil || now.Before(*t.ExpiresAt) {
		return nil
	}
	_, err = s.transition(ctx, t, change{to: domain.TradeStateExpired, reason: domain.CancelReasonFundingTimeout})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (s *Service) cancelUnacknowledged(ctx context.Context, tradeID string) error {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.State != domain.TradeStateCreated {
		return nil
	}
	_, err = s.transition(ctx, t, change{to: domain.TradeStateCancelled, reason: domain.CancelReasonCustodyUnavailable})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return err
}
