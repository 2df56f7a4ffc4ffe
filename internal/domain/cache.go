package domain

import (
	"context"
	"time"
)

// BookCache stores the latest published snapshot of each pair's book so
// read replicas and the UI can serve it without touching the engine.
type BookCache interface {
	SetSnapshot(ctx context.Context, snap BookSnapshot) error
	GetSnapshot(ctx context.Context, pair Pair) (BookSnapshot, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// Lock is a held distributed lock. It expires on its own unless extended.
type Lock interface {
	// Extend resets the expiry to ttl from now. It returns ErrLockHeld when
	// the lock already expired and was lost.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release is safe to call more than once.
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	// Acquire returns ErrLockHeld when another holder has key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// Signal bus names. Market events fan out per pair and settlement events per
// trade; every settlement event is also appended to one replay stream.
const (
	MarketChannelPrefix = "ch:market:"
	TradeChannelPrefix  = "ch:trade:"
	SettlementStream    = "stream:settlement"
)

// MarketChannel is the pub/sub channel for a pair's order and book events.
func MarketChannel(pair Pair) string { return MarketChannelPrefix + string(pair) }

// TradeChannel is the pub/sub channel for one trade's settlement events.
func TradeChannel(tradeID string) string { return TradeChannelPrefix + tradeID }

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
