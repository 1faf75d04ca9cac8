package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mveldt/tokensniper/internal/domain"
)

type archiveTradeStore struct {
	trades  []domain.Trade
	deletes [][]string
	listErr error
}

func (s *archiveTradeStore) Insert(ctx context.Context, trade domain.Trade) error { return nil }

func (s *archiveTradeStore) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (s *archiveTradeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Trade
	for _, t := range s.trades {
		if t.ExecutedAt.Before(cutoff) {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *archiveTradeStore) DeleteIDs(ctx context.Context, ids []string) (int64, error) {
	s.deletes = append(s.deletes, ids)
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []domain.Trade
	var n int64
	for _, t := range s.trades {
		if drop[t.ID] {
			n++
			continue
		}
		kept = append(kept, t)
	}
	s.trades = kept
	return n, nil
}

type memBlob struct {
	puts   map[string][]byte
	putErr error
}

func (b *memBlob) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if b.putErr != nil {
		return b.putErr
	}
	if b.puts == nil {
		b.puts = map[string][]byte{}
	}
	b.puts[path] = data
	return nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func oldTrades(n int, base time.Time) []domain.Trade {
	out := make([]domain.Trade, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Trade{
			ID:         fmt.Sprintf("trade-%03d", i),
			Wallet:     "0xwallet",
			Token:      "0xtoken",
			Side:       domain.TradeSideSell,
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

// archivedIDs decodes every uploaded JSONL object and returns all trade IDs
// in it, duplicates included.
func archivedIDs(t *testing.T, blob *memBlob) []string {
	t.Helper()
	var ids []string
	for _, data := range blob.puts {
		for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
			var rec tradeRecord
			require.NoError(t, json.Unmarshal(line, &rec))
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

func newTestArchiver(store *archiveTradeStore, blob *memBlob, audit *memAudit, batch int) *Archiver {
	a := NewArchiver(store, blob, audit, 30*24*time.Hour, time.Hour, batch, slog.New(slog.DiscardHandler))
	a.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestRunOnceArchivesAndDeletesOldTrades(t *testing.T) {
	store := &archiveTradeStore{trades: oldTrades(5, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))}
	store.trades = append(store.trades, domain.Trade{ID: "recent", ExecutedAt: time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)})
	blob := &memBlob{}
	audit := &memAudit{}
	a := newTestArchiver(store, blob, audit, 100)

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// Recent trade survives the sweep.
	require.Len(t, store.trades, 1)
	assert.Equal(t, "recent", store.trades[0].ID)

	require.Len(t, blob.puts, 1)
	for path, data := range blob.puts {
		assert.Contains(t, path, "archive/trades/2026-09/")
		lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
		require.Len(t, lines, 5)
		var rec tradeRecord
		require.NoError(t, json.Unmarshal(lines[0], &rec))
		assert.Equal(t, "trade-000", rec.ID)
		assert.Equal(t, "sell", rec.Side)
	}
	assert.Equal(t, []string{"archive.trades"}, audit.events)
}

func TestRunOnceDrainsInBatches(t *testing.T) {
	store := &archiveTradeStore{trades: oldTrades(7, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))}
	blob := &memBlob{}
	a := newTestArchiver(store, blob, &memAudit{}, 3)

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Empty(t, store.trades)
	// 3 + 3 + 1 across three uploads.
	assert.Len(t, blob.puts, 3)
	assert.Len(t, store.deletes, 3)

	// Every trade lands in exactly one object; batch boundaries never
	// re-export a row.
	seen := map[string]int{}
	for _, id := range archivedIDs(t, blob) {
		seen[id]++
	}
	require.Len(t, seen, 7)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "trade %s archived %d times", id, count)
	}
}

func TestRunOnceEqualTimestampsArchiveExactlyOnce(t *testing.T) {
	// Five rows sharing one executed_at straddle two batches of three.
	at := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	var trades []domain.Trade
	for i := 0; i < 5; i++ {
		trades = append(trades, domain.Trade{
			ID:         fmt.Sprintf("trade-%03d", i),
			ExecutedAt: at,
		})
	}
	store := &archiveTradeStore{trades: trades}
	blob := &memBlob{}
	a := newTestArchiver(store, blob, &memAudit{}, 3)

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Empty(t, store.trades)

	ids := archivedIDs(t, blob)
	assert.Len(t, ids, 5)
	seen := map[string]bool{}
	for _, id := range ids {
		assert.Falsef(t, seen[id], "trade %s archived twice", id)
		seen[id] = true
	}
}

func TestRunOnceDoesNotDeleteWhenUploadFails(t *testing.T) {
	store := &archiveTradeStore{trades: oldTrades(3, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))}
	blob := &memBlob{putErr: fmt.Errorf("bucket unavailable")}
	a := newTestArchiver(store, blob, &memAudit{}, 100)

	_, err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, store.trades, 3)
	assert.Empty(t, store.deletes)
}

func TestRunOnceNoopWhenNothingAged(t *testing.T) {
	store := &archiveTradeStore{trades: []domain.Trade{{ID: "recent", ExecutedAt: time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)}}}
	blob := &memBlob{}
	audit := &memAudit{}
	a := newTestArchiver(store, blob, audit, 100)

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.puts)
	assert.Empty(t, audit.events)
}

var (
	_ domain.TradeStore = (*archiveTradeStore)(nil)
	_ domain.BlobWriter = (*memBlob)(nil)
	_ domain.AuditStore = (*memAudit)(nil)
)
