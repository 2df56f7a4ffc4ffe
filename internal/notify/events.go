package notify

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Event types operators can filter on.
const (
	EventDisputeOpened   = "dispute_opened"
	EventDisputeResolved = "dispute_resolved"
	EventPairHalted      = "pair_halted"
	EventCustodyFailure  = "custody_failure"
	EventTradeExpired    = "trade_expired"
)

// EventSink turns the events operators act on into notifications. Every
// other event is ignored.
type EventSink struct {
	n *Notifier
}

// NewEventSink wraps n as a domain.EventSink.
func NewEventSink(n *Notifier) *EventSink {
	return &EventSink{n: n}
}

// Publish implements domain.EventSink.
func (s *EventSink) Publish(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.PairHalted:
		return s.n.Notify(ctx, EventPairHalted,
			fmt.Sprintf("Matching halted on %s", e.Pair),
			fmt.Sprintf("%s\nResume the pair once the store has been checked.", e.Reason))
	case domain.DisputeOpened:
		return s.n.Notify(ctx, EventDisputeOpened,
			fmt.Sprintf("Dispute opened on trade %s", e.TradeID),
			fmt.Sprintf("Dispute %s by %s: %s", e.DisputeID, e.InitiatorID, e.Reason))
	case domain.DisputeResolved:
		return s.n.Notify(ctx, EventDisputeResolved,
			fmt.Sprintf("Dispute resolved on trade %s", e.TradeID),
			fmt.Sprintf("Dispute %s resolved %s by %s", e.DisputeID, e.Outcome, e.ResolverID))
	case domain.SettlementTransition:
		switch {
		case e.Reason == domain.CancelReasonCustodyRejected || e.Reason == domain.CancelReasonCustodyUnavailable:
			return s.n.Notify(ctx, EventCustodyFailure,
				fmt.Sprintf("Trade %s cancelled", e.TradeID),
				fmt.Sprintf("%s -> %s on %s: %s", e.From, e.To, e.Pair, e.Reason))
		case e.To == domain.TradeStateExpired:
			return s.n.Notify(ctx, EventTradeExpired,
				fmt.Sprintf("Trade %s expired", e.TradeID),
				fmt.Sprintf("%s -> %s on %s: %s", e.From, e.To, e.Pair, e.Reason))
		}
	}
	return nil
}

var _ domain.EventSink = (*EventSink)(nil)
