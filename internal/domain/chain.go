package domain

import (
	"context"
	"math/big"
)

// TokenBalance is an on-chain holding read straight from the chain. The UI
// field is the wei amount scaled by the token's decimals.
type TokenBalance struct {
	Wei      *big.Int
	Decimals uint8
	UI       float64
}

// ChainReader reads authoritative on-chain state. The engine never trusts a
// locally cached quantity for a close decision; it re-fetches through this.
type ChainReader interface {
	TokenBalance(ctx context.Context, token, owner string) (TokenBalance, error)
	// WaitConfirmed blocks until the transaction is mined or ctx expires.
	// A mined-but-reverted transaction returns an error distinct from
	// ErrUnconfirmed.
	WaitConfirmed(ctx context.Context, txHash string) error
}

// SubmitResult is the outcome of handing a transaction to the signer.
type SubmitResult struct {
	TxHash string
}

// Signer signs and submits a transaction. The engine treats it as opaque and
// synchronous; it may internally wait on external custody.
type Signer interface {
	Address() string
	SignAndSubmit(ctx context.Context, tx UnsignedTx) (SubmitResult, error)
}
