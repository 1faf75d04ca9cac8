package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mveldt/tokensniper/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each token's
// latest price is stored at key "price:{token}" with fields "price" and "ts"
// (Unix nanosecond timestamp), written by the price feed and read by the
// monitor sweep.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(token string) string {
	return "price:" + token
}

// SetPrice stores the latest price and timestamp for a token.
func (pc *PriceCache) SetPrice(ctx context.Context, token string, price float64, ts time.Time) error {
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(token), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", token, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a token. It returns
// domain.ErrNotFound when the token has never been priced.
func (pc *PriceCache) GetPrice(ctx context.Context, token string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(token)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", token, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", token, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", token, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// GetPrices retrieves the latest prices for multiple tokens using a
// pipeline. Tokens that have never been priced are silently omitted from the
// result map.
func (pc *PriceCache) GetPrices(ctx context.Context, tokens []string) (map[string]float64, error) {
	if len(tokens) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tokens))
	for _, token := range tokens {
		cmds[token] = pipe.HGetAll(ctx, priceKey(token))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(tokens))
	for token, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		priceStr, ok := vals["price"]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		result[token] = price
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
