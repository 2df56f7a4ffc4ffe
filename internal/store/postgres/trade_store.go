package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, pair, buy_order_id, sell_order_id, buyer_id, seller_id,
	amount::text, price::text, fiat_amount::text, payment_method, fill_sequence,
	state, cancel_reason, dispute_id, created_at, updated_at, expires_at`

func scanTrade(row rowScanner) (domain.Trade, error) {
	var t domain.Trade
	var pair, state string
	var seq int64
	var n numeric

	err := row.Scan(
		&t.ID, &pair, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
		n.col(&t.Amount), n.col(&t.Price), n.col(&t.FiatAmount), &t.PaymentMethod, &seq,
		&state, &t.CancelReason, &t.DisputeID, &t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	if err := n.parse(); err != nil {
		return domain.Trade{}, err
	}
	t.Pair = domain.Pair(pair)
	t.State = domain.TradeState(state)
	t.FillSequence = uint64(seq)
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetByID retrieves a single trade by ID.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		return domain.Trade{}, classify(err, "get trade %s", id)
	}
	return t, nil
}

// Transition is a compare-and-set on the state column. When no row matches
// the trade is re-read to tell a missing trade from a lost race.
func (s *TradeStore) Transition(ctx context.Context, tr domain.TradeTransition) (domain.Trade, error) {
	const query = `
		UPDATE trades SET
			state = $1,
			expires_at = $2,
			updated_at = $3,
			cancel_reason = CASE WHEN $4::text = '' THEN cancel_reason ELSE $4::text END,
			dispute_id = CASE WHEN $5::text = '' THEN dispute_id ELSE $5::text END
		WHERE id = $6 AND state = $7
		RETURNING ` + tradeSelectCols

	row := s.pool.QueryRow(ctx, query,
		string(tr.To), tr.ExpiresAt, tr.At, tr.CancelReason, tr.DisputeID,
		tr.TradeID, string(tr.From),
	)
	t, err := scanTrade(row)
	if err == nil {
		return t, nil
	}
	if err != pgx.ErrNoRows {
		return domain.Trade{}, fmt.Errorf("postgres: transition trade %s: %w", tr.TradeID, err)
	}

	cur, getErr := s.GetByID(ctx, tr.TradeID)
	if getErr != nil {
		return domain.Trade{}, getErr
	}
	return domain.Trade{}, fmt.Errorf("postgres: transition trade %s %s->%s from %s: %w",
		tr.TradeID, tr.From, tr.To, cur.State, domain.ErrInvalidTransition)
}

// ListRecentByPair returns the newest trades for a pair.
func (s *TradeStore) ListRecentByPair(ctx context.Context, pair domain.Pair, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE pair = $1
		 ORDER BY created_at DESC, fill_sequence DESC LIMIT $2`,
		string(pair), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", pair, err)
	}
	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for %s: %w", pair, err)
	}
	return trades, nil
}

// ListByState returns trades in state that have not moved since olderThan.
func (s *TradeStore) ListByState(ctx context.Context, state domain.TradeState, olderThan time.Time, limit int) ([]domain.Trade, error) {
	return s.list(ctx, "by state",
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE state = $1 AND updated_at < $2
		 ORDER BY created_at, fill_sequence LIMIT $3`,
		string(state), olderThan, limitOrAll(limit))
}

// ListExpiring returns trades in state whose deadline is at or before before.
func (s *TradeStore) ListExpiring(ctx context.Context, state domain.TradeState, before time.Time, limit int) ([]domain.Trade, error) {
	return s.list(ctx, "expiring",
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE state = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		 ORDER BY created_at, fill_sequence LIMIT $3`,
		string(state), before, limitOrAll(limit))
}

// ListTerminalBefore returns finished trades last touched before the cutoff.
func (s *TradeStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	return s.list(ctx, "terminal",
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE state IN ('RELEASED', 'CANCELLED', 'EXPIRED') AND updated_at < $1
		 ORDER BY created_at, fill_sequence`,
		before)
}

func (s *TradeStore) list(ctx context.Context, what, query string, args ...any) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s trades: %w", what, err)
	}
	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s trades: %w", what, err)
	}
	return trades, nil
}

// limitOrAll turns a non-positive limit into NULL, which LIMIT treats as
// no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
