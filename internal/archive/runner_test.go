package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

type fakeArchiver struct {
	cutoffs  []time.Time
	orderErr error
}

func (f *fakeArchiver) ArchiveTrades(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 3, nil
}

func (f *fakeArchiver) ArchiveOrders(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 0, f.orderErr
}

func (f *fakeArchiver) ArchiveDisputes(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 1, nil
}

func (f *fakeArchiver) ListArchives(context.Context, string) ([]domain.BlobInfo, error) {
	return nil, nil
}

func newTestRunner(a domain.Archiver) *Runner {
	r := NewRunner(a, 90*24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC) }
	return r
}

func TestRunner_Run(t *testing.T) {
	fa := &fakeArchiver{}
	res, err := newTestRunner(fa).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Trades: 3, Disputes: 1}, res)

	want := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)
	require.Len(t, fa.cutoffs, 3)
	for _, c := range fa.cutoffs {
		assert.Equal(t, want, c, "every kind uses the same day-aligned cutoff")
	}
}

func TestRunner_RunContinuesAfterFailure(t *testing.T) {
	fa := &fakeArchiver{orderErr: errors.New("s3 down")}
	res, err := newTestRunner(fa).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders")
	assert.Equal(t, int64(1), res.Disputes)
	assert.Len(t, fa.cutoffs, 3)
}

func TestCronNext(t *testing.T) {
	base := time.Date(2025, 6, 15, 14, 30, 20, 0, time.UTC) // a Sunday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2025, 6, 15, 14, 31, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2025, 6, 16, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 6, 15, 14, 45, 0, 0, time.UTC)},
		{"0 3 1 * *", time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)},
		{"0,30 14 * * *", time.Date(2025, 6, 16, 14, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := parseCron(tt.expr)
			require.NoError(t, err)
			got, err := s.next(base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 3 * * *"))
	assert.Error(t, ValidateCron("0 3 * *"))
	assert.Error(t, ValidateCron("61 * * * *"))
	assert.Error(t, ValidateCron("*/0 * * * *"))
	assert.Error(t, ValidateCron("5-2 * * * *"))
}
