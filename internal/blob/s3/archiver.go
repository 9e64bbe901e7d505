package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 8 << 20

const cutoffLayout = "20060102T150405Z"

// Archiver implements domain.Archiver: it copies settled history older than a
// cutoff into JSONL objects and records each copy in the audit log. Each run
// only copies records newer than the previous archive of the same kind. Rows
// are not deleted from the primary store here.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  domain.Store
}

// NewArchiver creates an Archiver reading from store. Earlier archives are
// discovered through reader.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store domain.Store) *Archiver {
	return &Archiver{writer: writer, reader: reader, store: store}
}

// ArchiveTrades uploads trades executed before the cutoff.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.store.Trades().ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	return archive(ctx, a, "trades", before, trades, func(t domain.Trade) time.Time { return t.CreatedAt })
}

// ArchiveLedger uploads ledger entries written before the cutoff.
func (a *Archiver) ArchiveLedger(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.store.Ledger().ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger query: %w", err)
	}
	return archive(ctx, a, "ledger", before, entries, func(e domain.LedgerEntry) time.Time { return e.CreatedAt })
}

// ArchiveOrders uploads terminal orders last updated before the cutoff.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.store.Orders().ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	return archive(ctx, a, "orders", before, orders, func(o *domain.Order) time.Time { return o.UpdatedAt })
}

// lastCutoff returns the newest cutoff already archived for kind, or the zero
// time when there is none.
func (a *Archiver) lastCutoff(ctx context.Context, kind string) (time.Time, error) {
	infos, err := a.reader.List(ctx, "archive/"+kind+"/")
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, info := range infos {
		ts, err := time.Parse(cutoffLayout, strings.TrimSuffix(path.Base(info.Path), ".jsonl"))
		if err != nil {
			continue
		}
		if ts.After(last) {
			last = ts
		}
	}
	return last, nil
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T, at func(T) time.Time) (int64, error) {
	last, err := a.lastCutoff(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s list: %w", kind, err)
	}
	if !before.After(last) {
		return 0, nil
	}
	fresh := records[:0:0]
	for _, rec := range records {
		if !at(rec).Before(last) {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(fresh)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	key := archivePath(kind, before)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(fresh))
	if err := a.store.Audit().Log(ctx, "archive."+kind, map[string]any{
		"path":   key,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit: %w", kind, err)
	}
	return count, nil
}

// archivePath partitions archives by month and names each file after its
// cutoff. lastCutoff parses the name back:
//
//	archive/trades/2025-01/20250115T000000Z.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), before.Format(cutoffLayout))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
