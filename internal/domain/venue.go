package domain

import (
	"context"
	"math/big"
)

// QuoteRequest asks a venue for a swap quote. Amounts are in wei-scale units
// of TokenIn.
type QuoteRequest struct {
	TokenIn        string
	TokenOut       string
	AmountIn       *big.Int
	MaxSlippageBps int
}

// RouteQuote is an ephemeral quote produced by a single venue. It lives for
// one resolve-then-execute attempt and is never persisted.
type RouteQuote struct {
	Venue          string
	TokenIn        string
	TokenOut       string
	AmountIn       *big.Int
	AmountOut      *big.Int
	PriceImpactPct float64
	// Payload carries venue-specific data needed by BuildTransaction
	// (aggregator call data, AMM path, curve state). Opaque outside the venue.
	Payload []byte
}

// UnsignedTx is a transaction ready for the signing collaborator.
type UnsignedTx struct {
	To       string
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// VenueClient is one swap venue (aggregator, AMM, bonding-curve launchpad).
//
// Quote returns ErrNoRoute when the venue has no liquidity for the pair; that
// is a normal result, not an exceptional one. Transient throttling is
// ErrRateLimited, deadline overruns ErrTimeout, and anything unparseable
// ErrMalformed. Implementations map their API's failure modes to these
// sentinels once, at the boundary, so nothing downstream ever inspects
// human-readable error text.
type VenueClient interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) (RouteQuote, error)
	BuildTransaction(ctx context.Context, quote RouteQuote, recipient string) (UnsignedTx, error)
}
