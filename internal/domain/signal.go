package domain

import "time"

// EntrySignal is an instruction from the external scoring gate to consider
// buying a token. The engine treats the gate as opaque: it only validates
// tradability (route + sell simulation) before committing capital.
type EntrySignal struct {
	ID         string
	Token      string
	Symbol     string
	Decimals   uint8
	AmountBase float64 // base currency to spend
	TakeProfit *float64
	StopLoss   *float64
	Source     string
	ExpiresAt  time.Time
}
