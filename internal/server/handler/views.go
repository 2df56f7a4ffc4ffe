package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

type orderView struct {
	ID              string          `json:"id"`
	Pair            domain.Pair     `json:"pair"`
	Side            string          `json:"side"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	Sequence        uint64          `json:"sequence"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
}

func newOrderView(o domain.Order) orderView {
	return orderView{
		ID:              o.ID,
		Pair:            o.Pair,
		Side:            string(o.Side),
		LimitPrice:      o.LimitPrice,
		OriginalAmount:  o.OriginalAmount,
		RemainingAmount: o.RemainingAmount,
		PaymentMethod:   o.PaymentMethod,
		Sequence:        o.Sequence,
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		ExpiresAt:       o.ExpiresAt,
	}
}

type tradeView struct {
	ID            string          `json:"id"`
	Pair          domain.Pair     `json:"pair"`
	BuyOrderID    string          `json:"buy_order_id"`
	SellOrderID   string          `json:"sell_order_id"`
	BuyerID       string          `json:"buyer_id"`
	SellerID      string          `json:"seller_id"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	FiatAmount    decimal.Decimal `json:"fiat_amount"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	FillSequence  uint64          `json:"fill_sequence"`
	State         string          `json:"state"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	DisputeID     string          `json:"dispute_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

func newTradeView(t domain.Trade) tradeView {
	return tradeView{
		ID:            t.ID,
		Pair:          t.Pair,
		BuyOrderID:    t.BuyOrderID,
		SellOrderID:   t.SellOrderID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		Amount:        t.Amount,
		Price:         t.Price,
		FiatAmount:    t.FiatAmount,
		PaymentMethod: t.PaymentMethod,
		FillSequence:  t.FillSequence,
		State:         string(t.State),
		CancelReason:  t.CancelReason,
		DisputeID:     t.DisputeID,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		ExpiresAt:     t.ExpiresAt,
	}
}

// publicTradeView omits the counterparties and their orders.
type publicTradeView struct {
	ID         string          `json:"id"`
	Pair       domain.Pair     `json:"pair"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	FiatAmount decimal.Decimal `json:"fiat_amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

type disputeView struct {
	ID          string     `json:"id"`
	TradeID     string     `json:"trade_id"`
	InitiatorID string     `json:"initiator_id"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	ResolverID  string     `json:"resolver_id,omitempty"`
	Resolution  string     `json:"resolution,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func newDisputeView(d domain.Dispute) disputeView {
	return disputeView{
		ID:          d.ID,
		TradeID:     d.TradeID,
		InitiatorID: d.InitiatorID,
		Reason:      d.Reason,
		Status:      string(d.Status),
		Outcome:     string(d.Outcome),
		ResolverID:  d.ResolverID,
		Resolution:  d.Resolution,
		OpenedAt:    d.OpenedAt,
		UpdatedAt:   d.UpdatedAt,
		ResolvedAt:  d.ResolvedAt,
	}
}
