package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

const waitPollInterval = 50 * time.Millisecond

// RateLimiter is a sliding-window limiter with the semantics of the Redis
// one: a request is counted only when it is allowed.
type RateLimiter struct {
	mu         sync.Mutex
	hits       map[string][]time.Time
	now        func() time.Time
	waitLimit  int
	waitWindow time.Duration
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		hits:       make(map[string][]time.Time),
		now:        time.Now,
		waitLimit:  1,
		waitWindow: time.Second,
	}
}

// Allow reports whether key has budget left in the trailing window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-window)
	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.hits[key] = kept
		return false, nil
	}
	rl.hits[key] = append(kept, now)
	return true, nil
}

// Wait blocks until key is allowed under one request per second.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		allowed, _ := rl.Allow(ctx, key, rl.waitLimit, rl.waitWindow)
		if allowed {
			return nil
		}
		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("memory: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
