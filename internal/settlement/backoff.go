package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// backoff returns base * 2^attempt capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// retry calls fn until it succeeds, the custodian rejects the request, the
// context ends, or the attempt budget is spent.
func (s *Service) retry(ctx context.Context, op, tradeID string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrCustodyRejected) {
			return err
		}
		if attempt+1 >= s.cfg.MaxAttempts {
			return fmt.Errorf("settlement: %s %s: gave up after %d attempts: %w", op, tradeID, attempt+1, err)
		}

		delay := backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffMax)
		s.logger.WarnContext(ctx, "settlement: custodian call failed, retrying",
			slog.String("op", op),
			slog.String("trade_id", tradeID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// keyedMutex serializes work per key without holding a lock per key forever.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
