// Package tokenguard wraps a static contract-risk scanning API. Its verdicts
// are advisory: the engine corroborates them with live sell probes rather
// than trusting them alone.
package tokenguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Report is the static analysis verdict for a token contract.
type Report struct {
	Honeypot    bool
	SellTaxBps  int
	BuyTaxBps   int
	Flags       []string
	ContractAge time.Duration
}

// Client talks to the risk-scan API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a risk-scan client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

type scanResponse struct {
	IsHoneypot   bool     `json:"is_honeypot"`
	SellTax      float64  `json:"sell_tax"`
	BuyTax       float64  `json:"buy_tax"`
	Flags        []string `json:"flags"`
	ContractAgeS int64    `json:"contract_age_seconds"`
}

// Scan fetches the static risk report for the token. Scan failures are
// returned as errors; callers decide whether to proceed without a report.
func (c *Client) Scan(ctx context.Context, chainID int64, token string) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("chain_id", fmt.Sprintf("%d", chainID))
	q.Set("address", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/scan?"+q.Encode(), nil)
	if err != nil {
		return Report{}, fmt.Errorf("tokenguard: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Report{}, fmt.Errorf("tokenguard: scan timed out: %w", err)
		}
		return Report{}, fmt.Errorf("tokenguard: scan: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Report{}, fmt.Errorf("tokenguard: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("tokenguard: scan status %d", resp.StatusCode)
	}

	var sr scanResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Report{}, fmt.Errorf("tokenguard: decode response: %w", err)
	}

	return Report{
		Honeypot:    sr.IsHoneypot,
		SellTaxBps:  int(sr.SellTax * 10000),
		BuyTaxBps:   int(sr.BuyTax * 10000),
		Flags:       sr.Flags,
		ContractAge: time.Duration(sr.ContractAgeS) * time.Second,
	}, nil
}
