// Package pipeline moves aged trade history out of the primary store and
// into cold storage as JSONL objects.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mveldt/tokensniper/internal/domain"
)

const (
	defaultRetention  = 30 * 24 * time.Hour
	defaultInterval   = 6 * time.Hour
	defaultBatchLimit = 5000
)

// tradeRecord is the JSONL export shape. Field names are part of the archive
// format; changing them breaks downstream consumers.
type tradeRecord struct {
	ID         string    `json:"id"`
	Wallet     string    `json:"wallet"`
	Token      string    `json:"token"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	AmountUI   float64   `json:"amount_ui"`
	PriceBase  float64   `json:"price_base"`
	ValueBase  float64   `json:"value_base"`
	Venue      string    `json:"venue"`
	TxHash     string    `json:"tx_hash"`
	Reason     string    `json:"reason"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Archiver periodically exports trades older than the retention window to
// blob storage and deletes them from the primary store. Deletion happens only
// after the upload for the batch succeeded, so a failed sweep leaves the
// trades in place and the next sweep retries them.
type Archiver struct {
	trades domain.TradeStore
	blob   domain.BlobWriter
	audit  domain.AuditStore

	retention  time.Duration
	interval   time.Duration
	batchLimit int

	now    func() time.Time
	logger *slog.Logger
}

// NewArchiver creates an Archiver. Zero retention, interval, or batch limit
// fall back to the defaults (30 days, 6 hours, 5000 rows).
func NewArchiver(trades domain.TradeStore, blob domain.BlobWriter, audit domain.AuditStore, retention, interval time.Duration, batchLimit int, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = defaultRetention
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	return &Archiver{
		trades:     trades,
		blob:       blob,
		audit:      audit,
		retention:  retention,
		interval:   interval,
		batchLimit: batchLimit,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "archiver")),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("archiver started",
		slog.Duration("retention", a.retention),
		slog.Duration("interval", a.interval),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce exports and deletes every trade older than the retention window,
// in batches. It returns the total number of trades archived.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-a.retention)

	var total int64
	for seq := 0; ; seq++ {
		n, done, err := a.archiveBatch(ctx, cutoff, seq)
		if err != nil {
			return total, err
		}
		total += n
		if done {
			break
		}
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "archive sweep complete",
			slog.Int64("trades", total),
			slog.Time("cutoff", cutoff),
		)
	}
	return total, nil
}

// archiveBatch exports one batch of trades below the cutoff. It reports
// done=true when the batch drained everything below the cutoff.
func (a *Archiver) archiveBatch(ctx context.Context, cutoff time.Time, seq int) (int64, bool, error) {
	trades, err := a.trades.ListBefore(ctx, cutoff, a.batchLimit)
	if err != nil {
		return 0, true, fmt.Errorf("pipeline: list trades for archive: %w", err)
	}
	if len(trades) == 0 {
		return 0, true, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, true, fmt.Errorf("pipeline: marshal archive batch: %w", err)
	}

	path := archivePath(a.now(), seq)
	if err := a.blob.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, true, fmt.Errorf("pipeline: upload archive batch: %w", err)
	}

	// Delete exactly the rows this batch exported. A full batch means more
	// rows may remain below the cutoff; the next batch picks them up.
	ids := make([]string, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}
	deleted, err := a.trades.DeleteIDs(ctx, ids)
	if err != nil {
		return 0, true, fmt.Errorf("pipeline: delete archived trades: %w", err)
	}
	done := len(trades) < a.batchLimit

	if err := a.audit.Log(ctx, "archive.trades", map[string]any{
		"path":    path,
		"count":   len(trades),
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "archive audit log failed",
			slog.String("error", err.Error()),
		)
	}

	return int64(len(trades)), done, nil
}

func marshalJSONL(trades []domain.Trade) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range trades {
		rec := tradeRecord{
			ID:         t.ID,
			Wallet:     t.Wallet,
			Token:      t.Token,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			AmountUI:   t.AmountUI,
			PriceBase:  t.PriceBase,
			ValueBase:  t.ValueBase,
			Venue:      t.Venue,
			TxHash:     t.TxHash,
			Reason:     t.Reason,
			ExecutedAt: t.ExecutedAt,
		}
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath partitions archive objects by year-month with a unique suffix
// per batch.
//
//	archive/trades/2026-09/20260901T120000Z-000.jsonl
func archivePath(at time.Time, seq int) string {
	return fmt.Sprintf("archive/trades/%s/%s-%03d.jsonl",
		at.UTC().Format("2006-01"),
		at.UTC().Format("20060102T150405Z"),
		seq,
	)
}
