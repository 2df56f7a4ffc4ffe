package settlement

import (
	"fmt"
	"slices"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

var allowed = map[domain.TradeState][]domain.TradeState{
	domain.TradeStateCreated: {
		domain.TradeStateFunding,
		domain.TradeStateCancelled,
	},
	domain.TradeStateFunding: {
		domain.TradeStatePaymentPending,
		domain.TradeStateCancelled,
		domain.TradeStateExpired,
	},
	domain.TradeStatePaymentPending: {
		domain.TradeStatePaymentConfirmed,
		domain.TradeStateDisputed,
		domain.TradeStateCancelled,
	},
	domain.TradeStatePaymentConfirmed: {
		domain.TradeStateReleased,
		domain.TradeStateDisputed,
	},
	domain.TradeStateDisputed: {
		domain.TradeStateReleased,
		domain.TradeStateCancelled,
	},
}

// CanTransition reports whether from -> to is a legal settlement edge.
// Terminal states have no outgoing edges.
func CanTransition(from, to domain.TradeState) bool {
	return slices.Contains(allowed[from], to)
}

func checkTransition(t domain.Trade, to domain.TradeState) error {
	if t.State.Terminal() {
		return fmt.Errorf("settlement: trade %s is %s: %w", t.ID, t.State, domain.ErrInvalidTransition)
	}
	if !CanTransition(t.State, to) {
		return fmt.Errorf("settlement: trade %s %s->%s: %w", t.ID, t.State, to, domain.ErrInvalidTransition)
	}
	return nil
}
