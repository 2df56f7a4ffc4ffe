package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const insertOrder = `
	INSERT INTO orders (
		id, pair, side, limit_price, original_amount, remaining_amount,
		owner_id, payment_method, sequence, status,
		created_at, updated_at, expires_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10,
		$11, $12, $13
	)`

// Create inserts a new order into the database.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	_, err := s.pool.Exec(ctx, insertOrder,
		o.ID, string(o.Pair), string(o.Side),
		o.LimitPrice.String(), o.OriginalAmount.String(), o.RemainingAmount.String(),
		o.OwnerID, o.PaymentMethod, int64(o.Sequence), string(o.Status),
		o.CreatedAt, o.UpdatedAt, o.ExpiresAt,
	)
	if err != nil {
		return classify(err, "create order %s", o.ID)
	}
	return nil
}

// CloseResting moves a resting order to status. Orders that are already
// closed are reported as not found.
func (s *OrderStore) CloseResting(ctx context.Context, id string, status domain.OrderStatus, at time.Time) error {
	const query = `
		UPDATE orders SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ('OPEN', 'PARTIALLY_FILLED')`

	tag, err := s.pool.Exec(ctx, query, string(status), at, id)
	if err != nil {
		return fmt.Errorf("postgres: close order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close order %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// orderSelectCols lists the columns selected when reading orders.
const orderSelectCols = `id, pair, side, limit_price::text, original_amount::text,
	remaining_amount::text, owner_id, payment_method, sequence, status,
	created_at, updated_at, expires_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var pair, side, status string
	var seq int64
	var n numeric

	err := row.Scan(
		&o.ID, &pair, &side,
		n.col(&o.LimitPrice), n.col(&o.OriginalAmount), n.col(&o.RemainingAmount),
		&o.OwnerID, &o.PaymentMethod, &seq, &status,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	if err := n.parse(); err != nil {
		return domain.Order{}, err
	}

	o.Pair = domain.Pair(pair)
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	o.Sequence = uint64(seq)
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, classify(err, "get order %s", id)
	}
	return o, nil
}

// ListResting returns every order that belongs in a book, in sequence order.
func (s *OrderStore) ListResting(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('OPEN', 'PARTIALLY_FILLED')
		 ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resting orders: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resting orders: %w", err)
	}
	return orders, nil
}

// ListByOwner returns an owner's orders, newest first, with pagination.
func (s *OrderStore) ListByOwner(ctx context.Context, ownerID string, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE owner_id = $1`
	args := []any{ownerID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by owner: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by owner: %w", err)
	}
	return orders, nil
}

// ListClosedBefore returns closed orders last touched before the cutoff.
func (s *OrderStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status NOT IN ('OPEN', 'PARTIALLY_FILLED') AND updated_at < $1
		 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed orders: %w", err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed orders: %w", err)
	}
	return orders, nil
}

// MaxSequence returns the highest sequence handed to an order or a fill.
func (s *OrderStore) MaxSequence(ctx context.Context) (uint64, error) {
	const query = `
		SELECT GREATEST(
			COALESCE((SELECT MAX(sequence) FROM orders), 0),
			COALESCE((SELECT MAX(fill_sequence) FROM trades), 0)
		)`

	var max int64
	if err := s.pool.QueryRow(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("postgres: max sequence: %w", err)
	}
	return uint64(max), nil
}
