package s3blob

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/store/memory"
)

type memBlob struct {
	mu      sync.Mutex
	objects map[string]string
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string]string{}} }

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = string(b)
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, body := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(body))})
		}
	}
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func seedTrade(t *testing.T, db *memory.DB, id string, state domain.TradeState, updated time.Time) {
	t.Helper()
	require.NoError(t, db.Trades().Create(context.Background(), domain.Trade{
		ID:        id,
		Pair:      "USDT-NGN",
		Amount:    decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(1500),
		State:     state,
		CreatedAt: updated,
		UpdatedAt: updated,
	}))
}

func TestArchiveTrades_OnlyTerminalAndOnce(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	old := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	seedTrade(t, db, "t-released", domain.TradeStateReleased, old)
	seedTrade(t, db, "t-cancelled", domain.TradeStateCancelled, old)
	seedTrade(t, db, "t-pending", domain.TradeStatePaymentPending, old)

	blob := newMemBlob()
	a := NewArchiver(blob, blob, db.Trades(), db.Orders(), db.Disputes(), db.Audit())
	cutoff := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	n, err := a.ArchiveTrades(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body := blob.objects["archive/trades/2024-02/20240201T000000Z.jsonl"]
	assert.Equal(t, 2, strings.Count(body, "\n"))
	assert.NotContains(t, body, "t-pending")

	n, err = a.ArchiveTrades(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n, "same cutoff is not uploaded twice")

	entries, err := db.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.trades", entries[0].Event)

	files, err := a.ListArchives(ctx, "trades")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestArchive_EmptyUploadsNothing(t *testing.T) {
	blob := newMemBlob()
	db := memory.New()
	a := NewArchiver(blob, blob, db.Trades(), db.Orders(), db.Disputes(), db.Audit())

	n, err := a.ArchiveDisputes(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.objects)
}

func TestListArchives_UnknownKind(t *testing.T) {
	blob := newMemBlob()
	db := memory.New()
	a := NewArchiver(blob, blob, db.Trades(), db.Orders(), db.Disputes(), db.Audit())
	_, err := a.ListArchives(context.Background(), "secrets")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
