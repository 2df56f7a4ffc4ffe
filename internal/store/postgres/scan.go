package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// classify maps driver errors onto domain sentinels.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", msg, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("postgres: %s: %w", msg, domain.ErrAlreadyExists)
	}
	return fmt.Errorf("postgres: %s: %w", msg, err)
}

// numeric collects columns selected as ::text so no precision is lost on the
// way into decimal.Decimal. The backing array is fixed so scan targets stay
// valid while more columns are added.
type numeric struct {
	raw  [4]string
	dsts []*decimal.Decimal
}

// col returns a scan target for one numeric column bound to dst.
func (n *numeric) col(dst *decimal.Decimal) *string {
	i := len(n.dsts)
	n.dsts = append(n.dsts, dst)
	return &n.raw[i]
}

func (n *numeric) parse() error {
	for i, dst := range n.dsts {
		d, err := decimal.NewFromString(n.raw[i])
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", n.raw[i], err)
		}
		*dst = d
	}
	return nil
}
