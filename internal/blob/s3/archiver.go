package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold int64 = 16 * 1024 * 1024

// Narrow store interfaces required by the archiver. The postgres and memory
// stores satisfy them directly.

// TradeArchiveStore lists finished trades.
type TradeArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
}

// OrderArchiveStore lists orders that left the book.
type OrderArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Order, error)
}

// DisputeArchiveStore lists resolved disputes.
type DisputeArchiveStore interface {
	ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Dispute, error)
}

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// settled records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is NOT performed
// here. That is a separate step executed after the archive is verified.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	trades   TradeArchiveStore
	orders   OrderArchiveStore
	disputes DisputeArchiveStore
	audit    domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	trades TradeArchiveStore,
	orders OrderArchiveStore,
	disputes DisputeArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		reader:   reader,
		trades:   trades,
		orders:   orders,
		disputes: disputes,
		audit:    audit,
	}
}

// ArchiveTrades uploads trades that reached RELEASED, CANCELLED or EXPIRED
// before the cutoff to archive/trades/YYYY-MM/<cutoff>.jsonl.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "trades", before, a.trades.ListTerminalBefore)
}

// ArchiveOrders uploads orders closed before the cutoff.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "orders", before, a.orders.ListClosedBefore)
}

// ArchiveDisputes uploads disputes resolved before the cutoff.
func (a *ArchiveImpl) ArchiveDisputes(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "disputes", before, a.disputes.ListResolvedBefore)
}

func archive[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind string,
	before time.Time,
	list func(context.Context, time.Time) ([]T, error),
) (int64, error) {
	path := archivePath(kind, before)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s check: %w", kind, err)
	}
	if exists {
		return 0, nil
	}

	records, err := list(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if int64(len(buf)) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// ListArchives returns the files uploaded for kind.
func (a *ArchiveImpl) ListArchives(ctx context.Context, kind string) ([]domain.BlobInfo, error) {
	switch kind {
	case "trades", "orders", "disputes":
	default:
		return nil, fmt.Errorf("s3blob: archive kind %q: %w", kind, domain.ErrNotFound)
	}
	return a.reader.List(ctx, "archive/"+kind+"/")
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/trades/2025-01/20250131T000000Z.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), before.Format("20060102T150405Z"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
