package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeState is the settlement lifecycle of a trade.
type TradeState string

const (
	TradeStateCreated          TradeState = "CREATED"
	TradeStateFunding          TradeState = "FUNDING"
	TradeStatePaymentPending   TradeState = "PAYMENT_PENDING"
	TradeStatePaymentConfirmed TradeState = "PAYMENT_CONFIRMED"
	TradeStateDisputed         TradeState = "DISPUTED"
	TradeStateReleased         TradeState = "RELEASED"
	TradeStateCancelled        TradeState = "CANCELLED"
	TradeStateExpired          TradeState = "EXPIRED"
)

// Terminal reports whether no further transition may leave s.
func (s TradeState) Terminal() bool {
	switch s {
	case TradeStateReleased, TradeStateCancelled, TradeStateExpired:
		return true
	}
	return false
}

// Cancel reasons recorded on trades that end in CANCELLED or EXPIRED.
const (
	CancelReasonCustodyRejected    = "CUSTODY_REJECTED"
	CancelReasonCustodyUnavailable = "CUSTODY_UNAVAILABLE"
	CancelReasonPaymentTimeout     = "PAYMENT_TIMEOUT"
	CancelReasonFundingTimeout     = "FUNDING_TIMEOUT"
	CancelReasonDisputeRefund      = "DISPUTE_REFUND"
)

// Fill records one match between a bid and an ask.
type Fill struct {
	Pair        Pair
	BuyOrderID  string
	SellOrderID string
	Amount      decimal.Decimal
	Price       decimal.Decimal
	SequenceNo  uint64
	ExecutedAt  time.Time
}

// Trade is the settlement record created for every fill.
type Trade struct {
	ID            string
	Pair          Pair
	BuyOrderID    string
	SellOrderID   string
	BuyerID       string
	SellerID      string
	Amount        decimal.Decimal
	Price         decimal.Decimal
	FiatAmount    decimal.Decimal
	PaymentMethod string
	FillSequence  uint64
	State         TradeState
	CancelReason  string
	DisputeID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     *time.Time // payment (or funding) deadline while one applies
}

// Counterparty reports whether userID is the buyer or the seller.
func (t Trade) Counterparty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// TradeTransition is a compare-and-set request against the trade store.
// The update only applies when the stored state equals From.
type TradeTransition struct {
	TradeID      string
	From         TradeState
	To           TradeState
	CancelReason string
	DisputeID    string
	ExpiresAt    *time.Time // new deadline; nil clears it
	At           time.Time
}
