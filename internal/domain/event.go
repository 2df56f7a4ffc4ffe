package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags each event variant on the wire.
type EventKind string

const (
	EventOrderAccepted        EventKind = "order_accepted"
	EventOrderUpdated         EventKind = "order_updated"
	EventBookChanged          EventKind = "book_changed"
	EventFillExecuted         EventKind = "fill_executed"
	EventTradeCreated         EventKind = "trade_created"
	EventSettlementTransition EventKind = "settlement_transition"
	EventDisputeOpened        EventKind = "dispute_opened"
	EventDisputeResolved      EventKind = "dispute_resolved"
	EventPairHalted           EventKind = "pair_halted"
)

// Event is the closed set of records emitted by the engine and settlement.
// Only types in this package implement it.
type Event interface {
	Kind() EventKind
	// Key groups related events; sinks use it for partitioning and routing.
	Key() string
	isEvent()
}

// EventSink receives every emitted event. Implementations must not block
// the caller for long; the matching pass calls Publish inline.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

type OrderAccepted struct {
	OrderID       string          `json:"order_id"`
	Pair          Pair            `json:"pair"`
	Side          OrderSide       `json:"side"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Amount        decimal.Decimal `json:"amount"`
	OwnerID       string          `json:"owner_id"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Sequence      uint64          `json:"sequence"`
	At            time.Time       `json:"at"`
}

type OrderUpdated struct {
	OrderID         string          `json:"order_id"`
	Pair            Pair            `json:"pair"`
	Status          OrderStatus     `json:"status"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	At              time.Time       `json:"at"`
}

// BookChanged is the book delta published after each mutation.
type BookChanged struct {
	Pair    Pair            `json:"pair"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
	Bids    int             `json:"bid_levels"`
	Asks    int             `json:"ask_levels"`
	At      time.Time       `json:"at"`
}

type FillExecuted struct {
	TradeID     string          `json:"trade_id"`
	Pair        Pair            `json:"pair"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	SequenceNo  uint64          `json:"sequence_no"`
	At          time.Time       `json:"at"`
}

type TradeCreated struct {
	TradeID       string          `json:"trade_id"`
	Pair          Pair            `json:"pair"`
	BuyerID       string          `json:"buyer_id"`
	SellerID      string          `json:"seller_id"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	FiatAmount    decimal.Decimal `json:"fiat_amount"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	At            time.Time       `json:"at"`
}

type SettlementTransition struct {
	TradeID string     `json:"trade_id"`
	Pair    Pair       `json:"pair"`
	From    TradeState `json:"from"`
	To      TradeState `json:"to"`
	Reason  string     `json:"reason,omitempty"`
	At      time.Time  `json:"at"`
}

type DisputeOpened struct {
	DisputeID   string    `json:"dispute_id"`
	TradeID     string    `json:"trade_id"`
	InitiatorID string    `json:"initiator_id"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

type DisputeResolved struct {
	DisputeID  string         `json:"dispute_id"`
	TradeID    string         `json:"trade_id"`
	Outcome    DisputeOutcome `json:"outcome"`
	ResolverID string         `json:"resolver_id"`
	At         time.Time      `json:"at"`
}

// PairHalted is emitted when a pair stops matching after a consistency error.
type PairHalted struct {
	Pair   Pair      `json:"pair"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (OrderAccepted) Kind() EventKind        { return EventOrderAccepted }
func (OrderUpdated) Kind() EventKind         { return EventOrderUpdated }
func (BookChanged) Kind() EventKind          { return EventBookChanged }
func (FillExecuted) Kind() EventKind         { return EventFillExecuted }
func (TradeCreated) Kind() EventKind         { return EventTradeCreated }
func (SettlementTransition) Kind() EventKind { return EventSettlementTransition }
func (DisputeOpened) Kind() EventKind        { return EventDisputeOpened }
func (DisputeResolved) Kind() EventKind      { return EventDisputeResolved }
func (PairHalted) Kind() EventKind           { return EventPairHalted }

func (e OrderAccepted) Key() string        { return string(e.Pair) }
func (e OrderUpdated) Key() string         { return string(e.Pair) }
func (e BookChanged) Key() string          { return string(e.Pair) }
func (e FillExecuted) Key() string         { return string(e.Pair) }
func (e TradeCreated) Key() string         { return e.TradeID }
func (e SettlementTransition) Key() string { return e.TradeID }
func (e DisputeOpened) Key() string        { return e.TradeID }
func (e DisputeResolved) Key() string      { return e.TradeID }
func (e PairHalted) Key() string           { return string(e.Pair) }

func (OrderAccepted) isEvent()        {}
func (OrderUpdated) isEvent()         {}
func (BookChanged) isEvent()          {}
func (FillExecuted) isEvent()         {}
func (TradeCreated) isEvent()         {}
func (SettlementTransition) isEvent() {}
func (DisputeOpened) isEvent()        {}
func (DisputeResolved) isEvent()      {}
func (PairHalted) isEvent()           {}

type envelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalEvent encodes ev as {"kind": ..., "payload": ...}.
func MarshalEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("domain: marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Payload: payload})
}

// UnmarshalEvent decodes an envelope produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("domain: decode event envelope: %w", err)
	}

	var ev Event
	var err error
	switch env.Kind {
	case EventOrderAccepted:
		ev, err = decodeAs[OrderAccepted](env.Payload)
	case EventOrderUpdated:
		ev, err = decodeAs[OrderUpdated](env.Payload)
	case EventBookChanged:
		ev, err = decodeAs[BookChanged](env.Payload)
	case EventFillExecuted:
		ev, err = decodeAs[FillExecuted](env.Payload)
	case EventTradeCreated:
		ev, err = decodeAs[TradeCreated](env.Payload)
	case EventSettlementTransition:
		ev, err = decodeAs[SettlementTransition](env.Payload)
	case EventDisputeOpened:
		ev, err = decodeAs[DisputeOpened](env.Payload)
	case EventDisputeResolved:
		ev, err = decodeAs[DisputeResolved](env.Payload)
	case EventPairHalted:
		ev, err = decodeAs[PairHalted](env.Payload)
	default:
		return nil, fmt.Errorf("domain: unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("domain: decode %s: %w", env.Kind, err)
	}
	return ev, nil
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
