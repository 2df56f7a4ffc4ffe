package settlement

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// HandleCallback routes an inbound custodian notification. The boolean
// reports whether it changed any state; duplicates return false.
func (s *Service) HandleCallback(ctx context.Context, cb domain.CustodyCallback) (bool, error) {
	switch cb.Kind {
	case domain.CallbackFunded:
		return s.OnFundingConfirmed(ctx, cb.TradeID, cb.CustodyRef, cb.TxRef)
	case domain.CallbackReleased:
		return s.OnReleaseConfirmed(ctx, cb.TradeID, cb.TxRef)
	case domain.CallbackRefunded:
		return s.OnRefundConfirmed(ctx, cb.TradeID, cb.TxRef)
	case domain.CallbackRejected:
		return s.OnCustodyRejected(ctx, cb.TradeID, cb.Reason)
	default:
		return false, fmt.Errorf("settlement: unknown callback kind %q: %w", cb.Kind, domain.ErrInvalidTransition)
	}
}
