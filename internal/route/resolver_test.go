package route

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mveldt/tokensniper/internal/domain"
)

type fakeVenue struct {
	name     string
	quote    domain.RouteQuote
	quoteErr error
	calls    int
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) Quote(_ context.Context, _ domain.QuoteRequest) (domain.RouteQuote, error) {
	f.calls++
	if f.quoteErr != nil {
		return domain.RouteQuote{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeVenue) BuildTransaction(_ context.Context, _ domain.RouteQuote, _ string) (domain.UnsignedTx, error) {
	return domain.UnsignedTx{To: f.name}, nil
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testRequest() domain.QuoteRequest {
	return domain.QuoteRequest{
		TokenIn:        "0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c",
		TokenOut:       "0x1111111111111111111111111111111111111111",
		AmountIn:       big.NewInt(1_000_000),
		MaxSlippageBps: 300,
	}
}

func TestResolveFirstVenueWins(t *testing.T) {
	first := &fakeVenue{name: "oneinch", quote: domain.RouteQuote{Venue: "oneinch", AmountOut: big.NewInt(42)}}
	second := &fakeVenue{name: "pancake"}

	r := NewResolver([]domain.VenueClient{first, second}, nil, RateLimits{}, testLogger())

	quote, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "oneinch", quote.Venue)
	assert.Equal(t, 0, second.calls, "lower-priority venue must not be consulted")
}

func TestResolveFallsThroughOnNoRoute(t *testing.T) {
	cases := []struct {
		name     string
		firstErr error
	}{
		{"no route", domain.ErrNoRoute},
		{"timeout", domain.ErrTimeout},
		{"malformed", domain.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first := &fakeVenue{name: "oneinch", quoteErr: tc.firstErr}
			second := &fakeVenue{name: "pancake", quote: domain.RouteQuote{Venue: "pancake", AmountOut: big.NewInt(7)}}

			r := NewResolver([]domain.VenueClient{first, second}, nil, RateLimits{}, testLogger())

			quote, err := r.Resolve(context.Background(), testRequest())
			require.NoError(t, err)
			assert.Equal(t, "pancake", quote.Venue)
		})
	}
}

func TestResolveRateLimitedAbortsImmediately(t *testing.T) {
	first := &fakeVenue{name: "oneinch", quoteErr: domain.ErrRateLimited}
	second := &fakeVenue{name: "pancake", quote: domain.RouteQuote{Venue: "pancake", AmountOut: big.NewInt(7)}}

	r := NewResolver([]domain.VenueClient{first, second}, nil, RateLimits{}, testLogger())

	_, err := r.Resolve(context.Background(), testRequest())
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.NotErrorIs(t, err, domain.ErrNoRoute, "rate limiting must never read as missing liquidity")
	assert.Equal(t, 0, second.calls, "resolution must abort, not fall through")
}

func TestResolveAllVenuesExhausted(t *testing.T) {
	first := &fakeVenue{name: "oneinch", quoteErr: domain.ErrNoRoute}
	second := &fakeVenue{name: "pancake", quoteErr: domain.ErrTimeout}
	third := &fakeVenue{name: "fourmeme", quoteErr: domain.ErrNoRoute}

	r := NewResolver([]domain.VenueClient{first, second, third}, nil, RateLimits{}, testLogger())

	_, err := r.Resolve(context.Background(), testRequest())
	require.ErrorIs(t, err, domain.ErrNoRoute)

	var nre *domain.NoRouteError
	require.ErrorAs(t, err, &nre)
	assert.Len(t, nre.Reasons, 3)
	assert.ErrorIs(t, nre.Reasons["pancake"], domain.ErrTimeout)
}

func TestResolveLocalGateSurfacesRateLimited(t *testing.T) {
	first := &fakeVenue{name: "oneinch", quote: domain.RouteQuote{Venue: "oneinch", AmountOut: big.NewInt(42)}}
	limiter := &fakeLimiter{allow: false}

	r := NewResolver([]domain.VenueClient{first}, limiter, RateLimits{PerVenue: 5, Window: time.Second}, testLogger())

	_, err := r.Resolve(context.Background(), testRequest())
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 0, first.calls, "gated venue must not be called")
	assert.Equal(t, []string{"venue:oneinch"}, limiter.keys)
}

func TestResolveBrokenLimiterDoesNotBlock(t *testing.T) {
	first := &fakeVenue{name: "oneinch", quote: domain.RouteQuote{Venue: "oneinch", AmountOut: big.NewInt(42)}}
	limiter := &fakeLimiter{allow: false, err: errors.New("redis down")}

	r := NewResolver([]domain.VenueClient{first}, limiter, RateLimits{PerVenue: 5, Window: time.Second}, testLogger())

	quote, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "oneinch", quote.Venue)
}

func TestResolveRejectsNonPositiveAmount(t *testing.T) {
	r := NewResolver([]domain.VenueClient{&fakeVenue{name: "oneinch"}}, nil, RateLimits{}, testLogger())

	req := testRequest()
	req.AmountIn = big.NewInt(0)

	_, err := r.Resolve(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestBuildDispatchesToOwningVenue(t *testing.T) {
	first := &fakeVenue{name: "oneinch"}
	second := &fakeVenue{name: "pancake"}

	r := NewResolver([]domain.VenueClient{first, second}, nil, RateLimits{}, testLogger())

	tx, err := r.Build(context.Background(), domain.RouteQuote{Venue: "pancake"}, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "pancake", tx.To)

	_, err = r.Build(context.Background(), domain.RouteQuote{Venue: "unknown"}, "0xabc")
	require.ErrorIs(t, err, domain.ErrMalformed)
}
