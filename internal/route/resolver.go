// Package route resolves a tradable quote across venues in strict priority
// order.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/metrics"
)

// Resolver walks the configured venues in priority order and returns the
// first quote that succeeds. Being rate limited by a venue is not evidence
// that liquidity is absent, so it aborts resolution instead of falling
// through; only no-route, timeout and malformed answers advance to the next
// venue.
type Resolver struct {
	venues  []domain.VenueClient
	limiter domain.RateLimiter
	limits  RateLimits
	logger  *slog.Logger
}

// RateLimits configures the optional per-venue request gate.
type RateLimits struct {
	PerVenue int // requests per window, 0 disables the gate
	Window   time.Duration
}

// NewResolver creates a resolver over venues in priority order. limiter may
// be nil.
func NewResolver(venues []domain.VenueClient, limiter domain.RateLimiter, limits RateLimits, logger *slog.Logger) *Resolver {
	return &Resolver{
		venues:  venues,
		limiter: limiter,
		limits:  limits,
		logger:  logger.With(slog.String("component", "route_resolver")),
	}
}

// Resolve returns the highest-priority quote available for the request.
//
// Error contract: a *domain.NoRouteError (wrapping domain.ErrNoRoute) means
// every venue was consulted and none can trade the pair right now, with the
// per-venue reason preserved. Any other error means resolution was aborted
// before the venue list was exhausted and says nothing about liquidity.
func (r *Resolver) Resolve(ctx context.Context, req domain.QuoteRequest) (domain.RouteQuote, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return domain.RouteQuote{}, fmt.Errorf("route: non-positive amount: %w", domain.ErrMalformed)
	}
	if len(r.venues) == 0 {
		return domain.RouteQuote{}, fmt.Errorf("route: no venues configured: %w", domain.ErrNoRoute)
	}

	reasons := make(map[string]error, len(r.venues))

	for _, venue := range r.venues {
		name := venue.Name()

		if err := r.allow(ctx, name); err != nil {
			metrics.RouteResolutions.WithLabelValues(name, "rate_limited").Inc()
			return domain.RouteQuote{}, fmt.Errorf("route: %s: %w", name, err)
		}

		quote, err := venue.Quote(ctx, req)
		if err == nil {
			metrics.RouteResolutions.WithLabelValues(name, "ok").Inc()
			r.logger.Debug("route resolved",
				slog.String("venue", name),
				slog.String("token_in", req.TokenIn),
				slog.String("token_out", req.TokenOut))
			return quote, nil
		}

		switch {
		case errors.Is(err, domain.ErrRateLimited):
			metrics.RouteResolutions.WithLabelValues(name, "rate_limited").Inc()
			r.logger.Warn("venue rate limited, aborting resolution",
				slog.String("venue", name))
			return domain.RouteQuote{}, fmt.Errorf("route: %s: %w", name, err)
		case errors.Is(err, domain.ErrNoRoute),
			errors.Is(err, domain.ErrTimeout),
			errors.Is(err, domain.ErrMalformed):
			metrics.RouteResolutions.WithLabelValues(name, outcomeLabel(err)).Inc()
			metrics.VenueFallbacks.WithLabelValues(name).Inc()
			reasons[name] = err
			r.logger.Debug("venue unusable, trying next",
				slog.String("venue", name),
				slog.String("reason", err.Error()))
		default:
			metrics.RouteResolutions.WithLabelValues(name, "error").Inc()
			return domain.RouteQuote{}, fmt.Errorf("route: %s: %w", name, err)
		}

		if ctx.Err() != nil {
			return domain.RouteQuote{}, fmt.Errorf("route: %w", ctx.Err())
		}
	}

	return domain.RouteQuote{}, &domain.NoRouteError{Reasons: reasons}
}

// Build dispatches transaction construction to the venue that produced the
// quote.
func (r *Resolver) Build(ctx context.Context, quote domain.RouteQuote, recipient string) (domain.UnsignedTx, error) {
	for _, venue := range r.venues {
		if venue.Name() == quote.Venue {
			return venue.BuildTransaction(ctx, quote, recipient)
		}
	}
	return domain.UnsignedTx{}, fmt.Errorf("route: unknown venue %q: %w", quote.Venue, domain.ErrMalformed)
}

func (r *Resolver) allow(ctx context.Context, venue string) error {
	if r.limiter == nil || r.limits.PerVenue <= 0 {
		return nil
	}
	ok, err := r.limiter.Allow(ctx, "venue:"+venue, r.limits.PerVenue, r.limits.Window)
	if err != nil {
		// A broken gate must not block trading.
		r.logger.Warn("rate limiter unavailable, allowing request",
			slog.String("venue", venue),
			slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoRoute):
		return "no_route"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}
