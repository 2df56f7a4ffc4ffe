package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

func TestAuditSubject(t *testing.T) {
	tests := []struct {
		name   string
		detail map[string]any
		want   string
	}{
		{"trade wins over pair", map[string]any{"pair": "USDT-NGN", "trade_id": "t-1"}, "t-1"},
		{"dispute", map[string]any{"dispute_id": "d-1", "reason": "no payment"}, "d-1"},
		{"pair only", map[string]any{"pair": domain.Pair("BTC-KES"), "operator": "ops"}, "BTC-KES"},
		{"empty trade id falls through", map[string]any{"trade_id": "", "pair": "USDT-NGN"}, "USDT-NGN"},
		{"none", map[string]any{"path": "archive/trades"}, ""},
		{"nil detail", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, auditSubject(tt.detail))
		})
	}
}

func TestAuditListQuery(t *testing.T) {
	t.Run("no filters", func(t *testing.T) {
		q, args := auditListQuery(domain.ListOpts{})
		assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log ORDER BY created_at DESC, id DESC", q)
		assert.Empty(t, args)
	})

	t.Run("range and page", func(t *testing.T) {
		since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		until := since.Add(24 * time.Hour)
		q, args := auditListQuery(domain.ListOpts{Since: &since, Until: &until, Limit: 10, Offset: 20})
		assert.Equal(t,
			"SELECT id, event, detail, created_at FROM audit_log WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4",
			q)
		assert.Equal(t, []any{since, until, 10, 20}, args)
	})

	t.Run("until only", func(t *testing.T) {
		until := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
		q, args := auditListQuery(domain.ListOpts{Until: &until, Limit: 5})
		assert.Contains(t, q, "WHERE created_at < $1")
		assert.Contains(t, q, "LIMIT $2")
		assert.Len(t, args, 2)
	})
}
