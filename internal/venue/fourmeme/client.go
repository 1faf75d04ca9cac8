// Package fourmeme is the bonding-curve launchpad venue adapter. Tokens that
// have not graduated to an AMM pool trade only against the launchpad's curve
// contract, quoted through its HTTP API.
package fourmeme

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mveldt/tokensniper/internal/domain"
)

// Client talks to the launchpad quote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a launchpad venue client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Name returns the venue identifier used in the priority list.
func (c *Client) Name() string {
	return "fourmeme"
}

type quoteResponse struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	AmountOut string `json:"amountOut"`
	ImpactPct string `json:"priceImpact"`
}

type buildResponse struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// API status codes. The launchpad answers 200 with a code field; only
// codeOK carries a usable quote.
const (
	codeOK        = 0
	codeNoPool    = 4004 // token not on the curve, or already graduated
	codeRateLimit = 4290
)

type quotePayload struct {
	TokenIn     string `json:"token_in"`
	TokenOut    string `json:"token_out"`
	AmountIn    string `json:"amount_in"`
	SlippageBps int    `json:"slippage_bps"`
}

// Quote fetches a curve quote. A token that never launched on the curve, or
// that has graduated away from it, yields NoRoute.
func (c *Client) Quote(ctx context.Context, req domain.QuoteRequest) (domain.RouteQuote, error) {
	q := url.Values{}
	q.Set("tokenIn", req.TokenIn)
	q.Set("tokenOut", req.TokenOut)
	q.Set("amountIn", req.AmountIn.String())

	var resp quoteResponse
	if err := c.doGet(ctx, "/v1/quote", q, &resp); err != nil {
		return domain.RouteQuote{}, fmt.Errorf("fourmeme: quote: %w", err)
	}
	if err := classifyCode(resp.Code, resp.Msg); err != nil {
		return domain.RouteQuote{}, fmt.Errorf("fourmeme: quote: %w", err)
	}

	amountOut, ok := new(big.Int).SetString(resp.AmountOut, 10)
	if !ok || amountOut.Sign() <= 0 {
		return domain.RouteQuote{}, fmt.Errorf("fourmeme: quote: bad amountOut %q: %w", resp.AmountOut, domain.ErrMalformed)
	}

	var impact float64
	fmt.Sscanf(resp.ImpactPct, "%f", &impact)

	payload, _ := json.Marshal(quotePayload{
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
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

// BuildTransaction asks the API to assemble curve-swap calldata for the
// quoted trade.
func (c *Client) BuildTransaction(ctx context.Context, quote domain.RouteQuote, recipient string) (domain.UnsignedTx, error) {
	var p quotePayload
	if err := json.Unmarshal(quote.Payload, &p); err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("fourmeme: decode payload: %w", domain.ErrMalformed)
	}

	q := url.Values{}
	q.Set("tokenIn", p.TokenIn)
	q.Set("tokenOut", p.TokenOut)
	q.Set("amountIn", p.AmountIn)
	q.Set("slippageBps", fmt.Sprintf("%d", p.SlippageBps))
	q.Set("recipient", recipient)

	var resp buildResponse
	if err := c.doGet(ctx, "/v1/swap", q, &resp); err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("fourmeme: build: %w", err)
	}
	if err := classifyCode(resp.Code, resp.Msg); err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("fourmeme: build: %w", err)
	}

	data, err := hex.DecodeString(strings.TrimPrefix(resp.Data, "0x"))
	if err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("fourmeme: build: bad calldata: %w", domain.ErrMalformed)
	}
	value := big.NewInt(0)
	if resp.Value != "" {
		if v, ok := new(big.Int).SetString(resp.Value, 10); ok {
			value = v
		}
	}

	return domain.UnsignedTx{
		To:    resp.To,
		Data:  data,
		Value: value,
	}, nil
}

func classifyCode(code int, msg string) error {
	switch code {
	case codeOK:
		return nil
	case codeNoPool:
		return domain.ErrNoRoute
	case codeRateLimit:
		return domain.ErrRateLimited
	default:
		return fmt.Errorf("api code %d (%s): %w", code, msg, domain.ErrMalformed)
	}
}

func (c *Client) doGet(ctx context.Context, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ErrTimeout
		}
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", domain.ErrMalformed)
		}
		return nil
	default:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrMalformed)
	}
}

var _ domain.VenueClient = (*Client)(nil)
