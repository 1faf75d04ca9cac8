package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/mveldt/tokensniper/internal/domain"
)

// Wallet signs and submits transactions with a locally held key. It satisfies
// domain.Signer; the engine never sees the key material.
type Wallet struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	client   *Client
	gasLimit uint64

	// mu serializes nonce acquisition so concurrent submissions (exit
	// coordinator + entry path) cannot race the same nonce.
	mu sync.Mutex
}

// NewWallet builds a Wallet from a hex private key (no 0x prefix).
func NewWallet(privateKeyHex string, chainID int64, client *Client, gasLimit uint64) (*Wallet, error) {
	key, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	if gasLimit == 0 {
		gasLimit = 400_000
	}
	return &Wallet{
		key:      key,
		address:  ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(chainID),
		client:   client,
		gasLimit: gasLimit,
	}, nil
}

// Address returns the wallet's checksummed address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// SignAndSubmit fills in nonce and gas, signs the transaction, and broadcasts
// it. It returns once the transaction is accepted by the node; confirmation
// is the caller's concern.
func (w *Wallet) SignAndSubmit(ctx context.Context, tx domain.UnsignedTx) (domain.SubmitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.client.Eth().PendingNonceAt(ctx, w.address)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("chain: pending nonce: %w", err)
	}
	gasPrice, err := w.client.Eth().SuggestGasPrice(ctx)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("chain: suggest gas price: %w", err)
	}

	gasLimit := tx.GasLimit
	if gasLimit == 0 {
		gasLimit = w.gasLimit
	}
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}

	to := common.HexToAddress(tx.To)
	raw := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     tx.Data,
	})

	signed, err := types.SignTx(raw, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("chain: %w: %v", domain.ErrSigningFailed, err)
	}

	if err := w.client.Eth().SendTransaction(ctx, signed); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("chain: send transaction: %w", err)
	}

	return domain.SubmitResult{TxHash: signed.Hash().Hex()}, nil
}

var _ domain.Signer = (*Wallet)(nil)
