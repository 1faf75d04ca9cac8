package domain

import (
	"context"
	"time"
)

// PriceCache stores the latest observed price per token.
type PriceCache interface {
	SetPrice(ctx context.Context, token string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, token string) (float64, time.Time, error)
	GetPrices(ctx context.Context, tokens []string) (map[string]float64, error)
}

// RateLimiter gates outbound venue calls. Allow counts the request when it is
// permitted.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus delivers raw payloads between processes. The entry path consumes
// scoring-gate signals from it.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
