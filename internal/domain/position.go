package domain

import "time"

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusPending PositionStatus = "pending"
	// PositionStatusWaiting means no venue currently offers a sell route.
	// The recovery worker owns positions in this state.
	PositionStatusWaiting PositionStatus = "waiting_for_liquidity"
	PositionStatusClosed  PositionStatus = "closed"
)

// Position is a held token quantity awaiting exit.
//
// WaitingSince is non-nil iff Status is waiting_for_liquidity.
// LiquidityCheckCount resets to 0 every time a position re-enters the waiting
// state. A position transitions to closed exactly once; after that only the
// audit fields (ExitPrice, ExitTxHash, ExitReason) are meaningful additions.
type Position struct {
	ID       string // empty for positions sourced from a wallet-balance scan
	Token    string // token contract address
	Symbol   string
	Decimals uint8
	Wallet   string

	EntryPrice   float64 // base currency per token at entry
	CurrentPrice float64
	Amount       float64 // UI units held
	EntryValue   float64 // base currency
	CurrentValue float64
	PnLPercent   float64
	PnLAbs       float64

	TakeProfit *float64 // price level, optional
	StopLoss   *float64

	Status                 PositionStatus
	WaitingSince           *time.Time
	LiquidityCheckCount    int
	LiquidityLastCheckedAt *time.Time

	OpenedAt   time.Time
	ClosedAt   *time.Time
	ExitPrice  *float64
	ExitTxHash *string
	ExitReason *string
}

// Persisted reports whether this position has a durable store row. Positions
// discovered by scanning wallet balances have no row; they follow the same
// execution path but skip all store writes.
func (p Position) Persisted() bool {
	return p.ID != ""
}

// RefreshPnL recomputes the derived value and PnL fields from CurrentPrice.
func (p *Position) RefreshPnL() {
	p.CurrentValue = p.CurrentPrice * p.Amount
	p.EntryValue = p.EntryPrice * p.Amount
	p.PnLAbs = p.CurrentValue - p.EntryValue
	if p.EntryValue > 0 {
		p.PnLPercent = p.PnLAbs / p.EntryValue * 100
	}
}
