package domain

import (
	"fmt"
	"time"
)

// DisputeStatus tracks arbitration progress.
type DisputeStatus string

const (
	DisputeStatusOpen          DisputeStatus = "OPEN"
	DisputeStatusInvestigating DisputeStatus = "INVESTIGATING"
	DisputeStatusEscalated     DisputeStatus = "ESCALATED"
	DisputeStatusResolved      DisputeStatus = "RESOLVED"
)

// DisputeOutcome is an arbiter's ruling.
type DisputeOutcome string

const (
	// DisputeOutcomeRelease rules for the seller's side of the claim and
	// completes the trade: escrow is released and the trade ends RELEASED.
	DisputeOutcomeRelease DisputeOutcome = "RELEASE"
	// DisputeOutcomeRefund rules for the buyer's side of the claim: the
	// trade ends CANCELLED and escrow is refunded.
	DisputeOutcomeRefund DisputeOutcome = "REFUND"
)

// ParseDisputeOutcome accepts the outcome names used by the API.
func ParseDisputeOutcome(s string) (DisputeOutcome, error) {
	switch DisputeOutcome(s) {
	case DisputeOutcomeRelease, DisputeOutcomeRefund:
		return DisputeOutcome(s), nil
	}
	return "", fmt.Errorf("%w: unknown dispute outcome %q", ErrInvalidTransition, s)
}

// Dispute is an arbitration case attached to a trade.
type Dispute struct {
	ID          string
	TradeID     string
	InitiatorID string
	Reason      string
	Status      DisputeStatus
	Outcome     DisputeOutcome
	ResolverID  string
	Resolution  string
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}
