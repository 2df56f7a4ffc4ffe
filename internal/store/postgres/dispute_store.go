package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// DisputeStore implements domain.DisputeStore using PostgreSQL.
type DisputeStore struct {
	pool *pgxpool.Pool
}

// NewDisputeStore creates a new DisputeStore backed by the given connection pool.
func NewDisputeStore(pool *pgxpool.Pool) *DisputeStore {
	return &DisputeStore{pool: pool}
}

const disputeSelectCols = `id, trade_id, initiator_id, reason, status, outcome,
	resolver_id, resolution, opened_at, updated_at, resolved_at`

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var d domain.Dispute
	var status, outcome string
	err := row.Scan(
		&d.ID, &d.TradeID, &d.InitiatorID, &d.Reason, &status, &outcome,
		&d.ResolverID, &d.Resolution, &d.OpenedAt, &d.UpdatedAt, &d.ResolvedAt,
	)
	if err != nil {
		return domain.Dispute{}, err
	}
	d.Status = domain.DisputeStatus(status)
	d.Outcome = domain.DisputeOutcome(outcome)
	return d, nil
}

// Create inserts a dispute. The partial unique index on trade_id rejects a
// second unresolved dispute for the same trade.
func (s *DisputeStore) Create(ctx context.Context, d domain.Dispute) error {
	const query = `
		INSERT INTO disputes (
			id, trade_id, initiator_id, reason, status, outcome,
			resolver_id, resolution, opened_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		d.ID, d.TradeID, d.InitiatorID, d.Reason, string(d.Status), string(d.Outcome),
		d.ResolverID, d.Resolution, d.OpenedAt, d.UpdatedAt, d.ResolvedAt,
	)
	if err != nil {
		return classify(err, "create dispute %s", d.ID)
	}
	return nil
}

// GetByID retrieves a dispute by ID.
func (s *DisputeStore) GetByID(ctx context.Context, id string) (domain.Dispute, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+disputeSelectCols+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err != nil {
		return domain.Dispute{}, classify(err, "get dispute %s", id)
	}
	return d, nil
}

// GetActiveByTrade returns the unresolved dispute for a trade.
func (s *DisputeStore) GetActiveByTrade(ctx context.Context, tradeID string) (domain.Dispute, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+disputeSelectCols+` FROM disputes
		 WHERE trade_id = $1 AND status <> 'RESOLVED'`, tradeID)
	d, err := scanDispute(row)
	if err != nil {
		return domain.Dispute{}, classify(err, "active dispute for trade %s", tradeID)
	}
	return d, nil
}

// UpdateStatus changes the status of an unresolved dispute.
func (s *DisputeStore) UpdateStatus(ctx context.Context, id string, status domain.DisputeStatus, at time.Time) error {
	const query = `
		UPDATE disputes SET status = $1, updated_at = $2
		WHERE id = $3 AND status <> 'RESOLVED'`

	tag, err := s.pool.Exec(ctx, query, string(status), at, id)
	if err != nil {
		return fmt.Errorf("postgres: update dispute %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrResolved(ctx, id, "update")
	}
	return nil
}

// Resolve closes an unresolved dispute.
func (s *DisputeStore) Resolve(ctx context.Context, id string, outcome domain.DisputeOutcome, resolverID, resolution string, at time.Time) error {
	const query = `
		UPDATE disputes SET
			status = 'RESOLVED', outcome = $1, resolver_id = $2, resolution = $3,
			updated_at = $4, resolved_at = $4
		WHERE id = $5 AND status <> 'RESOLVED'`

	tag, err := s.pool.Exec(ctx, query, string(outcome), resolverID, resolution, at, id)
	if err != nil {
		return fmt.Errorf("postgres: resolve dispute %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrResolved(ctx, id, "resolve")
	}
	return nil
}

func (s *DisputeStore) missOrResolved(ctx context.Context, id, op string) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("postgres: %s dispute %s: %w", op, id, domain.ErrInvalidTransition)
}

// ListResolvedBefore returns disputes resolved before the cutoff.
func (s *DisputeStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Dispute, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+disputeSelectCols+` FROM disputes
		 WHERE resolved_at IS NOT NULL AND resolved_at < $1
		 ORDER BY resolved_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved disputes: %w", err)
	}
	defer rows.Close()

	var out []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan dispute: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list resolved disputes rows: %w", err)
	}
	return out, nil
}
