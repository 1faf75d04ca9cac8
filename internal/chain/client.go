// Package chain wraps the go-ethereum RPC client with the narrow read and
// submit operations the engine needs: ERC-20 balance reads, receipt waits,
// and transaction signing. On-chain state read through this package is
// authoritative; nothing in the engine caches it.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mveldt/tokensniper/internal/domain"
)

var (
	// balanceOf(address)
	balanceOfSelector = ethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
	// decimals()
	decimalsSelector = ethcrypto.Keccak256([]byte("decimals()"))[:4]
)

// Client wraps an ethclient connection.
type Client struct {
	ec           *ethclient.Client
	pollInterval time.Duration

	decimalsMu    sync.Mutex
	decimalsCache map[common.Address]uint8
}

// Dial connects to the chain RPC endpoint. pollInterval controls how often
// WaitConfirmed re-checks for a receipt.
func Dial(ctx context.Context, rpcURL string, pollInterval time.Duration) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Client{
		ec:            ec,
		pollInterval:  pollInterval,
		decimalsCache: make(map[common.Address]uint8),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.ec.Close()
}

// Eth returns the raw ethclient for sub-packages that need direct access to
// the node (the AMM venue quotes through eth_call).
func (c *Client) Eth() *ethclient.Client {
	return c.ec
}

// TokenBalance reads the ERC-20 balance of owner straight from the chain.
func (c *Client) TokenBalance(ctx context.Context, token, owner string) (domain.TokenBalance, error) {
	tokenAddr := common.HexToAddress(token)

	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(owner).Bytes(), 32)...)

	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return domain.TokenBalance{}, fmt.Errorf("chain: balanceOf %s: %w", token, err)
	}
	if len(out) < 32 {
		return domain.TokenBalance{}, fmt.Errorf("chain: balanceOf %s: short return (%d bytes)", token, len(out))
	}
	wei := new(big.Int).SetBytes(out[:32])

	decimals, err := c.tokenDecimals(ctx, tokenAddr)
	if err != nil {
		return domain.TokenBalance{}, err
	}

	return domain.TokenBalance{
		Wei:      wei,
		Decimals: decimals,
		UI:       WeiToUI(wei, decimals),
	}, nil
}

// tokenDecimals reads and caches a token's decimals. Decimals are immutable
// per contract so the cache never invalidates.
func (c *Client) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	c.decimalsMu.Lock()
	if d, ok := c.decimalsCache[token]; ok {
		c.decimalsMu.Unlock()
		return d, nil
	}
	c.decimalsMu.Unlock()

	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: decimalsSelector}, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: decimals %s: %w", token.Hex(), err)
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("chain: decimals %s: short return", token.Hex())
	}
	d := uint8(new(big.Int).SetBytes(out[:32]).Uint64())

	c.decimalsMu.Lock()
	c.decimalsCache[token] = d
	c.decimalsMu.Unlock()
	return d, nil
}

// WaitConfirmed polls for the transaction receipt until it is mined or ctx
// expires. A mined-but-reverted transaction is a terminal error; an expired
// context maps to domain.ErrUnconfirmed because the transaction may still
// land later.
func (c *Client) WaitConfirmed(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.ec.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == 0 {
				return fmt.Errorf("chain: tx %s reverted", txHash)
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			// Transient RPC failures are retried until the deadline.
			if ctx.Err() != nil {
				return fmt.Errorf("chain: tx %s: %w", txHash, domain.ErrUnconfirmed)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: tx %s: %w", txHash, domain.ErrUnconfirmed)
		case <-ticker.C:
		}
	}
}

// Compile-time interface check.
var _ domain.ChainReader = (*Client)(nil)
