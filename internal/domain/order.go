package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pair identifies a crypto/fiat trading pair, e.g. "USDT-NGN".
type Pair string

// ParsePair validates and normalizes a "BASE-QUOTE" pair string.
func ParsePair(s string) (Pair, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	base, quote, ok := strings.Cut(s, "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return "", fmt.Errorf("%w: malformed pair %q", ErrInvalidOrder, s)
	}
	return Pair(s), nil
}

// Base returns the crypto asset being traded.
func (p Pair) Base() string {
	base, _, _ := strings.Cut(string(p), "-")
	return base
}

// Quote returns the fiat currency the base is priced in.
func (p Pair) Quote() string {
	_, quote, _ := strings.Cut(string(p), "-")
	return quote
}

// OrderSide indicates whether the owner buys or sells the base asset.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the counter side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Resting reports whether an order in this status belongs in the book.
func (s OrderStatus) Resting() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// Order is a limit order resting in (or removed from) a pair's book.
type Order struct {
	ID              string
	Pair            Pair
	Side            OrderSide
	LimitPrice      decimal.Decimal
	OriginalAmount  decimal.Decimal
	RemainingAmount decimal.Decimal
	OwnerID         string
	PaymentMethod   string // fiat rail the owner accepts, e.g. "bank_transfer"
	Sequence        uint64
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
}

// FilledAmount is OriginalAmount minus RemainingAmount.
func (o Order) FilledAmount() decimal.Decimal {
	return o.OriginalAmount.Sub(o.RemainingAmount)
}

// ExpiredAt reports whether the order's expiry has passed at now.
func (o Order) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Validate checks the fields a book relies on.
func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	case o.Pair == "":
		return fmt.Errorf("%w: missing pair", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	case !o.LimitPrice.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	case !o.OriginalAmount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	case !o.RemainingAmount.IsPositive() || o.RemainingAmount.GreaterThan(o.OriginalAmount):
		return fmt.Errorf("%w: remaining amount out of range", ErrInvalidOrder)
	case o.OwnerID == "":
		return fmt.Errorf("%w: missing owner", ErrInvalidOrder)
	}
	return nil
}

// OrderRequest is the caller-supplied part of a new order.
type OrderRequest struct {
	Pair          Pair
	Side          OrderSide
	LimitPrice    decimal.Decimal
	Amount        decimal.Decimal
	OwnerID       string
	PaymentMethod string
	ExpiresAt     *time.Time
}

// CancelResult reports what a cancel actually removed.
type CancelResult struct {
	OrderID         string
	Status          OrderStatus
	FilledAmount    decimal.Decimal
	CancelledAmount decimal.Decimal
}
