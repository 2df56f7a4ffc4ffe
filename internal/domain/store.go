package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders. It is the source of truth the in-memory books
// are rebuilt from.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	// CloseResting moves a resting order to a closed status (CANCELLED or
	// EXPIRED). Returns ErrNotFound when the order is no longer resting.
	CloseResting(ctx context.Context, id string, status OrderStatus, at time.Time) error
	ListResting(ctx context.Context) ([]Order, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOpts) ([]Order, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Order, error)
	// MaxSequence is the highest sequence handed to an order or a fill.
	MaxSequence(ctx context.Context) (uint64, error)
}

// Match is everything one fill changes, written in a single transaction.
type Match struct {
	Fill  Fill
	Trade Trade
	Buy   Order // post-fill state
	Sell  Order // post-fill state
}

// MatchRecorder durably records a match. If the returned error wraps
// ErrCommitUnknown the caller cannot know whether the match was persisted;
// any other error means nothing was written.
type MatchRecorder interface {
	RecordMatch(ctx context.Context, m Match) error
}

// TradeStore persists trades and their settlement state.
type TradeStore interface {
	GetByID(ctx context.Context, id string) (Trade, error)
	// Transition applies tr only if the stored state equals tr.From,
	// otherwise it returns ErrInvalidTransition.
	Transition(ctx context.Context, tr TradeTransition) (Trade, error)
	ListRecentByPair(ctx context.Context, pair Pair, limit int) ([]Trade, error)
	ListByState(ctx context.Context, state TradeState, olderThan time.Time, limit int) ([]Trade, error)
	ListExpiring(ctx context.Context, state TradeState, before time.Time, limit int) ([]Trade, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Trade, error)
}

// EscrowStore persists escrow records.
type EscrowStore interface {
	Create(ctx context.Context, rec EscrowRecord) error
	Get(ctx context.Context, tradeID string) (EscrowRecord, error)
	// Update applies u only if the stored status is one of u.From, otherwise
	// it returns ErrInvalidTransition.
	Update(ctx context.Context, u EscrowUpdate) (EscrowRecord, error)
}

// DisputeStore persists disputes.
type DisputeStore interface {
	Create(ctx context.Context, d Dispute) error
	GetByID(ctx context.Context, id string) (Dispute, error)
	GetActiveByTrade(ctx context.Context, tradeID string) (Dispute, error)
	// UpdateStatus changes the status of an unresolved dispute.
	UpdateStatus(ctx context.Context, id string, status DisputeStatus, at time.Time) error
	// Resolve closes an unresolved dispute; ErrInvalidTransition if already resolved.
	Resolve(ctx context.Context, id string, outcome DisputeOutcome, resolverID, resolution string, at time.Time) error
	ListResolvedBefore(ctx context.Context, before time.Time) ([]Dispute, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
