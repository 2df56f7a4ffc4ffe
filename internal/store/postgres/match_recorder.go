package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// MatchRecorder writes a fill's trade and both order updates in one
// transaction.
type MatchRecorder struct {
	pool *pgxpool.Pool
}

// NewMatchRecorder creates a MatchRecorder backed by the given pool.
func NewMatchRecorder(pool *pgxpool.Pool) *MatchRecorder {
	return &MatchRecorder{pool: pool}
}

const insertTrade = `
	INSERT INTO trades (
		id, pair, buy_order_id, sell_order_id, buyer_id, seller_id,
		amount, price, fiat_amount, payment_method, fill_sequence,
		state, cancel_reason, dispute_id, created_at, updated_at, expires_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16, $17
	)`

// The previous remaining amount guards against a stale book writing over a
// newer row.
const fillOrder = `
	UPDATE orders SET remaining_amount = $1, status = $2, updated_at = $3
	WHERE id = $4 AND status IN ('OPEN', 'PARTIALLY_FILLED')
	  AND remaining_amount = $5`

// RecordMatch persists m atomically. Any failure before COMMIT rolls the
// transaction back. A failed COMMIT is reported as ErrCommitUnknown because
// the server may have applied it.
func (r *MatchRecorder) RecordMatch(ctx context.Context, m domain.Match) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: record match %s: begin: %w", m.Trade.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t := m.Trade
	if _, err := tx.Exec(ctx, insertTrade,
		t.ID, string(t.Pair), t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		t.Amount.String(), t.Price.String(), t.FiatAmount.String(), t.PaymentMethod, int64(t.FillSequence),
		string(t.State), t.CancelReason, t.DisputeID, t.CreatedAt, t.UpdatedAt, t.ExpiresAt,
	); err != nil {
		return classify(err, "record match %s: insert trade", t.ID)
	}

	for _, o := range []domain.Order{m.Buy, m.Sell} {
		prev := o.RemainingAmount.Add(m.Fill.Amount)
		tag, err := tx.Exec(ctx, fillOrder,
			o.RemainingAmount.String(), string(o.Status), o.UpdatedAt, o.ID, prev.String())
		if err != nil {
			return fmt.Errorf("postgres: record match %s: update order %s: %w", t.ID, o.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: record match %s: order %s changed underneath: %w",
				t.ID, o.ID, domain.ErrConsistency)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isDefiniteRollback(err) {
			return fmt.Errorf("postgres: record match %s: commit: %w", t.ID, err)
		}
		return fmt.Errorf("postgres: record match %s: %w: %v", t.ID, domain.ErrCommitUnknown, err)
	}
	return nil
}

// isDefiniteRollback reports whether the server answered COMMIT with an
// error, which means the transaction did not apply.
func isDefiniteRollback(err error) bool {
	if errors.Is(err, pgx.ErrTxCommitRollback) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
