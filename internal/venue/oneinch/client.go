// Package oneinch is the aggregator venue adapter. It speaks the 1inch swap
// API and maps the API's failure modes to the engine's typed errors at this
// boundary, so nothing downstream ever branches on response text.
package oneinch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mveldt/tokensniper/internal/domain"
)

// Client is the REST client for the 1inch aggregation router.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a 1inch client. baseURL is the chain-scoped API root,
// e.g. "https://api.1inch.dev/swap/v6.0/56".
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Name returns the venue identifier used in the priority list.
func (c *Client) Name() string {
	return "oneinch"
}

// quotePayload is stored on the RouteQuote so BuildTransaction can re-issue
// the request with the recipient and slippage filled in.
type quotePayload struct {
	Src         string `json:"src"`
	Dst         string `json:"dst"`
	Amount      string `json:"amount"`
	SlippageBps int    `json:"slippage_bps"`
}

type apiQuoteResponse struct {
	DstAmount string `json:"dstAmount"`
}

type apiError struct {
	ErrorMsg    string `json:"error"`
	Description string `json:"description"`
	StatusCode  int    `json:"statusCode"`
}

type apiSwapResponse struct {
	DstAmount string `json:"dstAmount"`
	Tx        struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
		Gas   uint64 `json:"gas"`
	} `json:"tx"`
}

// Quote asks the aggregator for the best output amount for the pair.
func (c *Client) Quote(ctx context.Context, req domain.QuoteRequest) (domain.RouteQuote, error) {
	params := url.Values{}
	params.Set("src", req.TokenIn)
	params.Set("dst", req.TokenOut)
	params.Set("amount", req.AmountIn.String())

	body, err := c.doGet(ctx, "/quote?"+params.Encode())
	if err != nil {
		return domain.RouteQuote{}, fmt.Errorf("oneinch: quote: %w", err)
	}

	var resp apiQuoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.RouteQuote{}, fmt.Errorf("oneinch: decode quote: %w", domain.ErrMalformed)
	}
	amountOut, ok := new(big.Int).SetString(resp.DstAmount, 10)
	if !ok || amountOut.Sign() <= 0 {
		return domain.RouteQuote{}, fmt.Errorf("oneinch: quote amount %q: %w", resp.DstAmount, domain.ErrMalformed)
	}

	payload, _ := json.Marshal(quotePayload{
		Src:         req.TokenIn,
		Dst:         req.TokenOut,
		Amount:      req.AmountIn.String(),
		SlippageBps: req.MaxSlippageBps,
	})

	return domain.RouteQuote{
		Venue:     c.Name(),
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  new(big.Int).Set(req.AmountIn),
		AmountOut: amountOut,
		Payload:   payload,
	}, nil
}

// BuildTransaction converts an accepted quote into calldata via the /swap
// endpoint, which returns a ready-to-sign transaction.
func (c *Client) BuildTransaction(ctx context.Context, quote domain.RouteQuote, recipient string) (domain.UnsignedTx, error) {
	var p quotePayload
	if err := json.Unmarshal(quote.Payload, &p); err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("oneinch: decode payload: %w", domain.ErrMalformed)
	}

	params := url.Values{}
	params.Set("src", p.Src)
	params.Set("dst", p.Dst)
	params.Set("amount", p.Amount)
	params.Set("from", recipient)
	params.Set("slippage", strconv.FormatFloat(float64(p.SlippageBps)/100, 'f', -1, 64))
	params.Set("disableEstimate", "true")

	body, err := c.doGet(ctx, "/swap?"+params.Encode())
	if err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("oneinch: build swap: %w", err)
	}

	var resp apiSwapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("oneinch: decode swap: %w", domain.ErrMalformed)
	}
	if resp.Tx.To == "" || resp.Tx.Data == "" {
		return domain.UnsignedTx{}, fmt.Errorf("oneinch: swap response missing tx: %w", domain.ErrMalformed)
	}

	value := big.NewInt(0)
	if resp.Tx.Value != "" {
		if v, ok := new(big.Int).SetString(resp.Tx.Value, 10); ok {
			value = v
		}
	}

	return domain.UnsignedTx{
		To:       resp.Tx.To,
		Data:     common.FromHex(resp.Tx.Data),
		Value:    value,
		GasLimit: resp.Tx.Gas,
	}, nil
}

// doGet performs an authenticated GET and maps HTTP-level failures to the
// typed error taxonomy. This is the single place 1inch failure modes are
// interpreted.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, domain.ErrTimeout
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.ErrMalformed
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest:
		return nil, classifyBadRequest(body)
	default:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrMalformed)
	}
}

// classifyBadRequest maps the API's structured 400 payload. The aggregator
// reports missing liquidity through the description field; that is a normal
// NoRoute result, not an error.
func classifyBadRequest(body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return domain.ErrMalformed
	}
	switch apiErr.Description {
	case "insufficient liquidity", "cannot estimate":
		return domain.ErrNoRoute
	}
	switch apiErr.ErrorMsg {
	case "insufficient liquidity":
		return domain.ErrNoRoute
	}
	return fmt.Errorf("%s: %w", apiErr.Description, domain.ErrMalformed)
}

var _ domain.VenueClient = (*Client)(nil)
