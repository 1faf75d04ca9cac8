package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mveldt/tokensniper/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Every
// mutation is keyed by id AND wallet so one account can never touch another
// account's rows.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, token, symbol, decimals, wallet,
	entry_price, current_price, amount, entry_value, current_value,
	pnl_percent, pnl_abs, take_profit, stop_loss,
	status, waiting_since, liquidity_check_count, liquidity_last_checked_at,
	opened_at, closed_at, exit_price, exit_tx_hash, exit_reason`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	var decimals int16

	err := row.Scan(
		&p.ID, &p.Token, &p.Symbol, &decimals, &p.Wallet,
		&p.EntryPrice, &p.CurrentPrice, &p.Amount, &p.EntryValue, &p.CurrentValue,
		&p.PnLPercent, &p.PnLAbs, &p.TakeProfit, &p.StopLoss,
		&status, &p.WaitingSince, &p.LiquidityCheckCount, &p.LiquidityLastCheckedAt,
		&p.OpenedAt, &p.ClosedAt, &p.ExitPrice, &p.ExitTxHash, &p.ExitReason,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Decimals = uint8(decimals)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, token, symbol, decimals, wallet,
			entry_price, current_price, amount, entry_value, current_value,
			pnl_percent, pnl_abs, take_profit, stop_loss,
			status, waiting_since, liquidity_check_count, liquidity_last_checked_at,
			opened_at, closed_at, exit_price, exit_tx_hash, exit_reason, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Token, p.Symbol, int16(p.Decimals), p.Wallet,
		p.EntryPrice, p.CurrentPrice, p.Amount, p.EntryValue, p.CurrentValue,
		p.PnLPercent, p.PnLAbs, p.TakeProfit, p.StopLoss,
		string(p.Status), p.WaitingSince, p.LiquidityCheckCount, p.LiquidityLastCheckedAt,
		p.OpenedAt, p.ClosedAt, p.ExitPrice, p.ExitTxHash, p.ExitReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// FetchByStatus returns positions in the given status for a wallet. Waiting
// positions come back oldest first so the recovery worker treats them
// fairly; other statuses come back newest first.
func (s *PositionStore) FetchByStatus(ctx context.Context, status domain.PositionStatus, wallet string) ([]domain.Position, error) {
	order := "opened_at DESC"
	if status == domain.PositionStatusWaiting {
		order = "waiting_since ASC"
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE wallet = $1 AND status = $2
		 ORDER BY `+order, wallet, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch positions by status %s: %w", status, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by status %s: %w", status, err)
	}
	return positions, nil
}

// MarkWaiting moves a position into waiting_for_liquidity, stamping
// waiting_since and resetting the check count to zero.
func (s *PositionStore) MarkWaiting(ctx context.Context, id, wallet string, since time.Time) error {
	const query = `
		UPDATE positions SET
			status                = 'waiting_for_liquidity',
			waiting_since         = $3,
			liquidity_check_count = 0,
			updated_at            = NOW()
		WHERE id = $1 AND wallet = $2 AND status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query, id, wallet, since)
	if err != nil {
		return fmt.Errorf("postgres: mark position %s waiting: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchLiquidityCheck increments liquidity_check_count and stamps the last
// checked time without changing status.
func (s *PositionStore) TouchLiquidityCheck(ctx context.Context, id, wallet string, at time.Time) error {
	const query = `
		UPDATE positions SET
			liquidity_check_count     = liquidity_check_count + 1,
			liquidity_last_checked_at = $3,
			updated_at                = NOW()
		WHERE id = $1 AND wallet = $2 AND status = 'waiting_for_liquidity'`

	tag, err := s.pool.Exec(ctx, query, id, wallet, at)
	if err != nil {
		return fmt.Errorf("postgres: touch liquidity check %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdatePrice refreshes current_price and the derived value and PnL columns.
func (s *PositionStore) UpdatePrice(ctx context.Context, id, wallet string, currentPrice float64) error {
	const query = `
		UPDATE positions SET
			current_price = $3,
			current_value = $3 * amount,
			entry_value   = entry_price * amount,
			pnl_abs       = ($3 - entry_price) * amount,
			pnl_percent   = CASE WHEN entry_price > 0
			                     THEN ($3 - entry_price) / entry_price * 100
			                     ELSE 0 END,
			updated_at    = NOW()
		WHERE id = $1 AND wallet = $2 AND status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query, id, wallet, currentPrice)
	if err != nil {
		return fmt.Errorf("postgres: update price %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateAmount persists a chain-corrected holding after a partial exit and
// reopens the position.
func (s *PositionStore) UpdateAmount(ctx context.Context, id, wallet string, amountUI float64) error {
	const query = `
		UPDATE positions SET
			amount        = $3,
			status        = 'open',
			waiting_since = NULL,
			updated_at    = NOW()
		WHERE id = $1 AND wallet = $2 AND status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query, id, wallet, amountUI)
	if err != nil {
		return fmt.Errorf("postgres: update amount %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close finalizes a position exactly once with its audit fields. Closing an
// already-closed position returns ErrNotFound.
func (s *PositionStore) Close(ctx context.Context, id, wallet string, exitPrice float64, txHash, reason string) error {
	const query = `
		UPDATE positions SET
			status        = 'closed',
			waiting_since = NULL,
			exit_price    = $3,
			exit_tx_hash  = $4,
			exit_reason   = $5,
			closed_at     = NOW(),
			updated_at    = NOW()
		WHERE id = $1 AND wallet = $2 AND status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query, id, wallet, exitPrice, txHash, reason)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
