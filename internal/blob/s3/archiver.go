package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
)

// TransactionArchiveStore is the narrow read surface the archiver needs from
// the transaction store.
type TransactionArchiveStore interface {
	// ListCreatedAfter returns audit rows created strictly after the cutoff,
	// oldest first, limited by limit.
	ListCreatedAfter(ctx context.Context, after time.Time, limit int) ([]domain.TransactionRecord, error)
}

// archiveBatchSize bounds rows pulled per export pass.
const archiveBatchSize = 1000

// Archiver exports the reconciliation audit trail to object storage as
// JSONL, one object per export run, partitioned by month. Export only: the
// source rows are never deleted, the audit trail in the primary store stays
// complete.
type Archiver struct {
	writer domain.BlobWriter
	txs    TransactionArchiveStore
	logger *slog.Logger

	// cursor is the CreatedAt of the last exported row. In-memory only; a
	// restart re-exports from the configured start, which overwrites the
	// same keyspace idempotently.
	cursor time.Time
}

// NewArchiver creates an Archiver exporting rows created after start.
func NewArchiver(writer domain.BlobWriter, txs TransactionArchiveStore, start time.Time, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		txs:    txs,
		logger: logger,
		cursor: start,
	}
}

// exportRecord is the wire shape of one archived audit row.
type exportRecord struct {
	TxHash          string    `json:"tx_hash"`
	Method          string    `json:"method"`
	ContractAddress string    `json:"contract_address"`
	TokenID         string    `json:"token_id"`
	From            string    `json:"from,omitempty"`
	To              string    `json:"to,omitempty"`
	Price           string    `json:"price,omitempty"`
	BlockNumber     uint64    `json:"block_number"`
	BlockTime       time.Time `json:"block_time"`
	GasUsed         uint64    `json:"gas_used"`
	CreatedAt       time.Time `json:"created_at"`
}

// Export uploads all audit rows recorded since the last export and advances
// the cursor. It returns the number of rows exported.
func (a *Archiver) Export(ctx context.Context) (int64, error) {
	var total int64
	for {
		recs, err := a.txs.ListCreatedAfter(ctx, a.cursor, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(recs) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(recs)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive marshal: %w", err)
		}

		latest := recs[len(recs)-1].CreatedAt
		path := archivePath(latest)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive upload: %w", err)
		}

		a.cursor = latest
		total += int64(len(recs))
		a.logger.InfoContext(ctx, "s3blob: audit batch exported",
			slog.String("path", path),
			slog.Int("count", len(recs)),
		)
		if len(recs) < archiveBatchSize {
			return total, nil
		}
	}
}

// RunLoop exports on a fixed interval until ctx is cancelled. Failed runs
// are logged and retried on the next tick; the cursor only advances past
// uploaded batches.
func (a *Archiver) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Export(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.ErrorContext(ctx, "s3blob: audit export failed", slog.Any("error", err))
			}
		}
	}
}

// archivePath builds the object key for one export batch, partitioned by the
// year-month of the newest row it contains.
//
//	archive/transactions/2026-09/20260901T120000Z.jsonl
func archivePath(latest time.Time) string {
	return fmt.Sprintf("archive/transactions/%s/%s.jsonl",
		latest.UTC().Format("2006-01"),
		latest.UTC().Format("20060102T150405Z"),
	)
}

// marshalJSONL serialises audit rows as newline-delimited JSON, one compact
// line per record.
func marshalJSONL(recs []domain.TransactionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range recs {
		out := exportRecord{
			TxHash:          rec.TxHash,
			Method:          rec.Method,
			ContractAddress: rec.ContractAddress,
			TokenID:         rec.TokenID,
			From:            rec.From,
			To:              rec.To,
			BlockNumber:     rec.BlockNumber,
			BlockTime:       rec.BlockTime,
			GasUsed:         rec.GasUsed,
			CreatedAt:       rec.CreatedAt,
		}
		if rec.Price != nil {
			out.Price = rec.Price.String()
		}
		if err := enc.Encode(out); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
