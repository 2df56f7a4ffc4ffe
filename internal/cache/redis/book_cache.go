package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// snapshotTTL bounds how long a stale snapshot survives a dead engine.
const snapshotTTL = 10 * time.Minute

// BookCache implements domain.BookCache. Each pair keeps its latest
// aggregated snapshot as JSON plus a best-bid/offer hash for cheap reads.
//
// Key schema:
//
//	book:{pair}:snapshot - JSON encoded domain.BookSnapshot
//	book:{pair}:bbo      - hash with fields "bid", "ask" and "ts"
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func bookSnapshotKey(pair domain.Pair) string { return "book:" + string(pair) + ":snapshot" }
func bookBBOKey(pair domain.Pair) string      { return "book:" + string(pair) + ":bbo" }

// SetSnapshot replaces the cached snapshot for snap.Pair in one transaction.
func (bc *BookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s: %w", snap.Pair, err)
	}

	bbo := map[string]any{
		"bid": snap.BestBid().String(),
		"ask": snap.BestAsk().String(),
		"ts":  snap.Timestamp.UnixMilli(),
	}

	pipe := bc.rdb.TxPipeline()
	pipe.Set(ctx, bookSnapshotKey(snap.Pair), data, snapshotTTL)
	pipe.HSet(ctx, bookBBOKey(snap.Pair), bbo)
	pipe.Expire(ctx, bookBBOKey(snap.Pair), snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", snap.Pair, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot, or ErrNotFound.
func (bc *BookCache) GetSnapshot(ctx context.Context, pair domain.Pair) (domain.BookSnapshot, error) {
	data, err := bc.rdb.Get(ctx, bookSnapshotKey(pair)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.BookSnapshot{}, fmt.Errorf("redis: get book %s: %w", pair, domain.ErrNotFound)
		}
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book %s: %w", pair, err)
	}

	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: decode book %s: %w", pair, err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
