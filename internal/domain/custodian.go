package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Custodian holds crypto in escrow on behalf of trades. Every call must be
// safe to retry: the custodian deduplicates on tradeID.
type Custodian interface {
	RequestFunding(ctx context.Context, tradeID string, amount decimal.Decimal, asset string) (custodyRef string, err error)
	RequestRelease(ctx context.Context, tradeID, custodyRef string) error
	RequestRefund(ctx context.Context, tradeID, custodyRef string) error
}

// CallbackKind identifies an inbound custodian notification.
type CallbackKind string

const (
	CallbackFunded   CallbackKind = "FUNDED"
	CallbackReleased CallbackKind = "RELEASED"
	CallbackRefunded CallbackKind = "REFUNDED"
	CallbackRejected CallbackKind = "REJECTED"
)

// CustodyCallback is an asynchronous confirmation from the custodian.
// Duplicates are expected and must be harmless.
type CustodyCallback struct {
	Kind       CallbackKind
	TradeID    string
	CustodyRef string
	TxRef      string
	Reason     string
	ReceivedAt time.Time
}
