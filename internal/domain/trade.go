package domain

import "time"

// TradeSide is the direction of a confirmed swap.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is a confirmed on-chain buy or sell, recorded fire-and-forget after
// the outcome is already decided. Failing to record one never rolls back or
// blocks a trade.
type Trade struct {
	ID         string
	Wallet     string
	Token      string
	Symbol     string
	Side       TradeSide
	AmountUI   float64 // token UI units moved
	PriceBase  float64 // base currency per token
	ValueBase  float64 // base currency total
	Venue      string
	TxHash     string
	Reason     string // take_profit, stop_loss, manual, recovery, ...
	ExecutedAt time.Time
}
