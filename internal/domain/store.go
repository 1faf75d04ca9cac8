package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Every mutation is keyed by position id
// AND the owning wallet so one account can never write another account's
// rows. The engine holds no authoritative copy of position state.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// FetchByStatus returns positions in the given status for a wallet.
	// waiting_for_liquidity results are ordered by waiting_since ascending
	// (oldest first); other statuses by opened_at descending.
	FetchByStatus(ctx context.Context, status PositionStatus, wallet string) ([]Position, error)

	// MarkWaiting moves a position into waiting_for_liquidity, setting
	// waiting_since and resetting liquidity_check_count to zero.
	MarkWaiting(ctx context.Context, id, wallet string, since time.Time) error
	// TouchLiquidityCheck increments liquidity_check_count and stamps
	// liquidity_last_checked_at without changing status.
	TouchLiquidityCheck(ctx context.Context, id, wallet string, at time.Time) error
	// UpdatePrice refreshes current_price and the derived PnL columns.
	UpdatePrice(ctx context.Context, id, wallet string, currentPrice float64) error
	// UpdateAmount persists a chain-corrected holding after a partial exit,
	// reopening the position.
	UpdateAmount(ctx context.Context, id, wallet string, amountUI float64) error
	// Close finalizes a position exactly once with its audit fields. Closing
	// an already-closed position returns ErrNotFound.
	Close(ctx context.Context, id, wallet string, exitPrice float64, txHash, reason string) error
}

// TradeStore persists confirmed trade history.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	ListByWallet(ctx context.Context, wallet string, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Trade, error)
	DeleteIDs(ctx context.Context, ids []string) (int64, error)
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
