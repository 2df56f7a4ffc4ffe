package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// EscrowStore implements domain.EscrowStore using PostgreSQL.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates a new EscrowStore backed by the given connection pool.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

const escrowSelectCols = `trade_id, asset, amount::text, custody_ref, fund_tx_ref,
	release_tx_ref, refund_tx_ref, status, created_at, updated_at`

func scanEscrow(row rowScanner) (domain.EscrowRecord, error) {
	var rec domain.EscrowRecord
	var status string
	var n numeric
	err := row.Scan(
		&rec.TradeID, &rec.Asset, n.col(&rec.Amount), &rec.CustodyRef, &rec.FundTxRef,
		&rec.ReleaseTxRef, &rec.RefundTxRef, &status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.EscrowRecord{}, err
	}
	if err := n.parse(); err != nil {
		return domain.EscrowRecord{}, err
	}
	rec.Status = domain.EscrowStatus(status)
	return rec, nil
}

// Create inserts the escrow record for a trade. A second record for the same
// trade fails with ErrAlreadyExists.
func (s *EscrowStore) Create(ctx context.Context, rec domain.EscrowRecord) error {
	const query = `
		INSERT INTO escrow_records (
			trade_id, asset, amount, custody_ref, fund_tx_ref,
			release_tx_ref, refund_tx_ref, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		rec.TradeID, rec.Asset, rec.Amount.String(), rec.CustodyRef, rec.FundTxRef,
		rec.ReleaseTxRef, rec.RefundTxRef, string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return classify(err, "create escrow %s", rec.TradeID)
	}
	return nil
}

// Get retrieves the escrow record for a trade.
func (s *EscrowStore) Get(ctx context.Context, tradeID string) (domain.EscrowRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escrowSelectCols+` FROM escrow_records WHERE trade_id = $1`, tradeID)
	rec, err := scanEscrow(row)
	if err != nil {
		return domain.EscrowRecord{}, classify(err, "get escrow %s", tradeID)
	}
	return rec, nil
}

// Update applies u when the stored status is one of u.From.
func (s *EscrowStore) Update(ctx context.Context, u domain.EscrowUpdate) (domain.EscrowRecord, error) {
	from := make([]string, len(u.From))
	for i, st := range u.From {
		from[i] = string(st)
	}

	const query = `
		UPDATE escrow_records SET
			status = $1,
			updated_at = $2,
			fund_tx_ref = CASE WHEN $3::text = '' THEN fund_tx_ref ELSE $3::text END,
			release_tx_ref = CASE WHEN $4::text = '' THEN release_tx_ref ELSE $4::text END,
			refund_tx_ref = CASE WHEN $5::text = '' THEN refund_tx_ref ELSE $5::text END
		WHERE trade_id = $6 AND status = ANY($7)
		RETURNING ` + escrowSelectCols

	row := s.pool.QueryRow(ctx, query,
		string(u.To), u.At, u.FundTxRef, u.ReleaseTxRef, u.RefundTxRef, u.TradeID, from,
	)
	rec, err := scanEscrow(row)
	if err == nil {
		return rec, nil
	}
	if err != pgx.ErrNoRows {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: update escrow %s: %w", u.TradeID, err)
	}

	cur, getErr := s.Get(ctx, u.TradeID)
	if getErr != nil {
		return domain.EscrowRecord{}, getErr
	}
	return domain.EscrowRecord{}, fmt.Errorf("postgres: update escrow %s to %s from %s: %w",
		u.TradeID, u.To, cur.Status, domain.ErrInvalidTransition)
}
