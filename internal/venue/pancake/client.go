// Package pancake is the AMM venue adapter. It quotes through the router's
// getAmountsOut view call and builds fee-on-transfer-safe swap calldata; no
// off-chain API is involved.
package pancake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/mveldt/tokensniper/internal/chain"
	"github.com/mveldt/tokensniper/internal/domain"
)

var (
	// getAmountsOut(uint256,address[])
	selGetAmountsOut = ethcrypto.Keccak256([]byte("getAmountsOut(uint256,address[])"))[:4]
	// swapExactTokensForTokensSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)
	selSwapSupportingFee = ethcrypto.Keccak256([]byte("swapExactTokensForTokensSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)"))[:4]
)

// probeDivisor sizes the marginal-price reference quote used for the impact
// estimate (1% of the requested amount).
const probeDivisor = 100

// swapDeadline bounds how long a built transaction stays valid.
const swapDeadline = 2 * time.Minute

// Client quotes and builds swaps against a UniswapV2-style router.
type Client struct {
	router  common.Address
	chain   *chain.Client
	timeout time.Duration
}

// NewClient creates an AMM venue client for the given router address.
func NewClient(router string, chainClient *chain.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		router:  common.HexToAddress(router),
		chain:   chainClient,
		timeout: timeout,
	}
}

// Name returns the venue identifier used in the priority list.
func (c *Client) Name() string {
	return "pancake"
}

type quotePayload struct {
	Path        []string `json:"path"`
	AmountIn    string   `json:"amount_in"`
	SlippageBps int      `json:"slippage_bps"`
}

// Quote calls getAmountsOut for the direct pair. A revert means the pair does
// not exist, which maps to NoRoute; a zero output likewise. Price impact is
// estimated by comparing the marginal price of a 1% reference quote against
// the full-size quote.
func (c *Client) Quote(ctx context.Context, req domain.QuoteRequest) (domain.RouteQuote, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := []common.Address{common.HexToAddress(req.TokenIn), common.HexToAddress(req.TokenOut)}

	amountOut, err := c.amountsOut(callCtx, req.AmountIn, path)
	if err != nil {
		return domain.RouteQuote{}, fmt.Errorf("pancake: quote: %w", err)
	}

	impact := 0.0
	if probe := new(big.Int).Div(req.AmountIn, big.NewInt(probeDivisor)); probe.Sign() > 0 {
		if probeOut, probeErr := c.amountsOut(callCtx, probe, path); probeErr == nil && probeOut.Sign() > 0 {
			impact = priceImpactPct(req.AmountIn, amountOut, probe, probeOut)
		}
	}

	payload, _ := json.Marshal(quotePayload{
		Path:        []string{req.TokenIn, req.TokenOut},
		AmountIn:    req.AmountIn.String(),
		SlippageBps: req.MaxSlippageBps,
	})

	return domain.RouteQuote{
		Venue:          c.Name(),
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       new(big.Int).Set(req.AmountIn),
		AmountOut:      amountOut,
		PriceImpactPct: impact,
		Payload:        payload,
	}, nil
}

// BuildTransaction encodes a fee-on-transfer-tolerant swap of the full quoted
// amount with the slippage floor captured at quote time.
func (c *Client) BuildTransaction(_ context.Context, quote domain.RouteQuote, recipient string) (domain.UnsignedTx, error) {
	var p quotePayload
	if err := json.Unmarshal(quote.Payload, &p); err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("pancake: decode payload: %w", domain.ErrMalformed)
	}
	if len(p.Path) != 2 {
		return domain.UnsignedTx{}, fmt.Errorf("pancake: bad path length %d: %w", len(p.Path), domain.ErrMalformed)
	}
	amountIn, ok := new(big.Int).SetString(p.AmountIn, 10)
	if !ok {
		return domain.UnsignedTx{}, fmt.Errorf("pancake: bad amount %q: %w", p.AmountIn, domain.ErrMalformed)
	}

	amountOutMin := chain.ApplySlippageFloor(quote.AmountOut, p.SlippageBps)
	deadline := big.NewInt(time.Now().Add(swapDeadline).Unix())

	data := make([]byte, 0, 4+32*8)
	data = append(data, selSwapSupportingFee...)
	data = append(data, padUint(amountIn)...)
	data = append(data, padUint(amountOutMin)...)
	data = append(data, padUint(big.NewInt(5*32))...) // offset of path array
	data = append(data, common.LeftPadBytes(common.HexToAddress(recipient).Bytes(), 32)...)
	data = append(data, padUint(deadline)...)
	data = append(data, padUint(big.NewInt(2))...) // path length
	data = append(data, common.LeftPadBytes(common.HexToAddress(p.Path[0]).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(p.Path[1]).Bytes(), 32)...)

	return domain.UnsignedTx{
		To:    c.router.Hex(),
		Data:  data,
		Value: big.NewInt(0),
	}, nil
}

// amountsOut performs the getAmountsOut eth_call and decodes the final hop.
func (c *Client) amountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32*(3+len(path)))
	data = append(data, selGetAmountsOut...)
	data = append(data, padUint(amountIn)...)
	data = append(data, padUint(big.NewInt(2*32))...) // offset of path array
	data = append(data, padUint(big.NewInt(int64(len(path))))...)
	for _, hop := range path {
		data = append(data, common.LeftPadBytes(hop.Bytes(), 32)...)
	}

	out, err := c.chain.Eth().CallContract(ctx, ethereum.CallMsg{To: &c.router, Data: data}, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, domain.ErrTimeout
		}
		// getAmountsOut reverts when the pair has no reserves or does not
		// exist. That is the AMM's way of saying "no route".
		return nil, domain.ErrNoRoute
	}

	// uint256[] return: offset word, length word, then the amounts.
	if len(out) < 64 {
		return nil, domain.ErrMalformed
	}
	length := new(big.Int).SetBytes(out[32:64]).Int64()
	if length < 2 || len(out) < int(64+32*length) {
		return nil, domain.ErrMalformed
	}
	amountOut := new(big.Int).SetBytes(out[64+32*(length-1) : 64+32*length])
	if amountOut.Sign() <= 0 {
		return nil, domain.ErrNoRoute
	}
	return amountOut, nil
}

// priceImpactPct compares the effective price of the full trade against the
// marginal price implied by the small reference quote.
func priceImpactPct(amountIn, amountOut, probeIn, probeOut *big.Int) float64 {
	full := new(big.Float).Quo(new(big.Float).SetInt(amountOut), new(big.Float).SetInt(amountIn))
	marginal := new(big.Float).Quo(new(big.Float).SetInt(probeOut), new(big.Float).SetInt(probeIn))
	m, _ := marginal.Float64()
	f, _ := full.Float64()
	if m <= 0 {
		return 0
	}
	impact := (1 - f/m) * 100
	if impact < 0 {
		return 0
	}
	return impact
}

func padUint(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

var _ domain.VenueClient = (*Client)(nil)
