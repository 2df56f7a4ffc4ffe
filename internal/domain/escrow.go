package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus tracks the custodian side of a trade.
type EscrowStatus string

const (
	EscrowStatusFundingRequested EscrowStatus = "FUNDING_REQUESTED"
	EscrowStatusFunded           EscrowStatus = "FUNDED"
	EscrowStatusReleaseRequested EscrowStatus = "RELEASE_REQUESTED"
	EscrowStatusReleased         EscrowStatus = "RELEASED"
	EscrowStatusRefundRequested  EscrowStatus = "REFUND_REQUESTED"
	EscrowStatusRefunded         EscrowStatus = "REFUNDED"
)

// EscrowRecord is the custodian's hold for one trade. Every trade that has
// left CREATED has exactly one.
type EscrowRecord struct {
	TradeID      string
	Asset        string
	Amount       decimal.Decimal
	CustodyRef   string
	FundTxRef    string
	ReleaseTxRef string
	RefundTxRef  string
	Status       EscrowStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EscrowUpdate is a compare-and-set against the escrow store. Empty refs
// leave the stored value unchanged.
type EscrowUpdate struct {
	TradeID      string
	From         []EscrowStatus
	To           EscrowStatus
	FundTxRef    string
	ReleaseTxRef string
	RefundTxRef  string
	At           time.Time
}
