package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mveldt/tokensniper/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, wallet, token, symbol, side, amount_ui,
	price_base, value_base, venue, tx_hash, reason, executed_at`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side string
		if err := rows.Scan(
			&t.ID, &t.Wallet, &t.Token, &t.Symbol, &side, &t.AmountUI,
			&t.PriceBase, &t.ValueBase, &t.Venue, &t.TxHash, &t.Reason, &t.ExecutedAt,
		); err != nil {
			return nil, err
		}
		t.Side = domain.TradeSide(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert records a confirmed trade.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, wallet, token, symbol, side, amount_ui,
			price_base, value_base, venue, tx_hash, reason, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Wallet, t.Token, t.Symbol, string(t.Side), t.AmountUI,
		t.PriceBase, t.ValueBase, t.Venue, t.TxHash, t.Reason, t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByWallet returns trades for a wallet with pagination and optional time
// filtering, newest first.
func (s *TradeStore) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE wallet = $1`
	args := []any{wallet}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by wallet: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by wallet: %w", err)
	}
	return trades, nil
}

// ListBefore returns up to limit trades executed before cutoff, oldest
// first. The archiver uses it to page through expiring history.
func (s *TradeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE executed_at < $1
		 ORDER BY executed_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before cutoff: %w", err)
	}
	return trades, nil
}

// DeleteIDs removes the given trades and reports how many rows went away.
// The archiver calls it with exactly the IDs it exported, so a row is never
// deleted without a copy in cold storage.
func (s *TradeStore) DeleteIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete %d archived trades: %w", len(ids), err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
