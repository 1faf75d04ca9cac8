// Package safety runs pre-trade checks: a live sell probe against the route
// layer plus a static contract-risk scan, composed into an approve or block
// decision.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/mveldt/tokensniper/internal/chain"
	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/platform/tokenguard"
)

// RouteQuoter is the slice of the route resolver the simulator needs.
type RouteQuoter interface {
	Resolve(ctx context.Context, req domain.QuoteRequest) (domain.RouteQuote, error)
}

// RiskScanner fetches a static contract-risk report.
type RiskScanner interface {
	Scan(ctx context.Context, chainID int64, token string) (tokenguard.Report, error)
}

// Simulator probes whether a token can actually be sold. It buys a small
// fixed probe amount on paper, then quotes selling the proceeds back, and
// reads the round-trip loss as a tax estimate.
//
// The tax figure conflates transfer tax with price impact on the probe size.
// It is a best-effort heuristic, not ground truth, which is why a failed
// probe alone never condemns a token without the static scan agreeing.
type Simulator struct {
	routes      RouteQuoter
	guard       RiskScanner
	chainID     int64
	baseToken   string
	probeBase   *big.Int // probe size in base-token wei
	slippageBps int
	logger      *slog.Logger
}

// NewSimulator creates a sell simulator. guard may be nil, in which case a
// failed probe is reported as unresolved rather than a honeypot verdict.
func NewSimulator(routes RouteQuoter, guard RiskScanner, chainID int64, baseToken string, probeBaseUI float64, slippageBps int, logger *slog.Logger) *Simulator {
	return &Simulator{
		routes:      routes,
		guard:       guard,
		chainID:     chainID,
		baseToken:   baseToken,
		probeBase:   chain.UIToWei(probeBaseUI, 18),
		slippageBps: slippageBps,
		logger:      logger.With(slog.String("component", "sell_simulator")),
	}
}

// SimulateSell probes the sell direction for token. Transient conditions
// (rate limits, context cancellation) come back as errors; a definite
// verdict comes back as a SellProbe.
func (s *Simulator) SimulateSell(ctx context.Context, token string) (domain.SellProbe, error) {
	buyQuote, err := s.routes.Resolve(ctx, domain.QuoteRequest{
		TokenIn:        s.baseToken,
		TokenOut:       token,
		AmountIn:       s.probeBase,
		MaxSlippageBps: s.slippageBps,
	})
	if err != nil {
		// Includes the no-buy-route case: with no buy leg there is nothing
		// to probe against, and the caller's own liquidity check owns that
		// verdict.
		return domain.SellProbe{}, fmt.Errorf("safety: probe buy leg: %w", err)
	}

	sellQuote, sellErr := s.routes.Resolve(ctx, domain.QuoteRequest{
		TokenIn:        token,
		TokenOut:       s.baseToken,
		AmountIn:       buyQuote.AmountOut,
		MaxSlippageBps: s.slippageBps,
	})

	if sellErr != nil {
		if errors.Is(sellErr, domain.ErrNoRoute) {
			return s.corroborate(ctx, token)
		}
		return domain.SellProbe{}, fmt.Errorf("safety: probe sell leg: %w", sellErr)
	}

	probe := domain.SellProbe{
		CanSell:         true,
		ProbeResolved:   true,
		EstimatedTaxBps: roundTripLossBps(s.probeBase, sellQuote.AmountOut),
		PriceImpactPct:  sellQuote.PriceImpactPct,
	}

	if s.guard != nil {
		if report, err := s.guard.Scan(ctx, s.chainID, token); err == nil {
			if report.SellTaxBps > probe.EstimatedTaxBps {
				probe.EstimatedTaxBps = report.SellTaxBps
			}
			if report.Honeypot {
				probe.CanSell = false
				probe.GuardFlagged = true
				probe.Note = "static scan flags honeypot despite resolvable sell route"
			}
		}
	}

	return probe, nil
}

// corroborate handles the probe-found-no-sell-route case. The buy direction
// resolved, so a missing sell route is a strong honeypot signal, but a
// single failed probe is only corroborating evidence. The static scan gets
// the deciding vote.
func (s *Simulator) corroborate(ctx context.Context, token string) (domain.SellProbe, error) {
	if s.guard == nil {
		return domain.SellProbe{
			CanSell:       true,
			ProbeResolved: false,
			Note:          "sell probe found no route and no static scan is configured",
		}, nil
	}

	report, err := s.guard.Scan(ctx, s.chainID, token)
	if err != nil {
		s.logger.Warn("static scan unavailable for honeypot corroboration",
			slog.String("token", token),
			slog.String("error", err.Error()))
		return domain.SellProbe{
			CanSell:       true,
			ProbeResolved: false,
			Note:          "sell probe found no route; static scan unavailable",
		}, nil
	}

	if report.Honeypot {
		return domain.SellProbe{
			CanSell:         false,
			ProbeResolved:   false,
			EstimatedTaxBps: report.SellTaxBps,
			GuardFlagged:    true,
			Note:            "sell probe found no route and static scan confirms honeypot",
		}, nil
	}

	return domain.SellProbe{
		CanSell:         true,
		ProbeResolved:   false,
		EstimatedTaxBps: report.SellTaxBps,
		Note:            "sell probe found no route but static scan is clean",
	}, nil
}

// roundTripLossBps reads the buy-then-sell loss as a sell-tax estimate.
func roundTripLossBps(baseIn, baseOut *big.Int) int {
	if baseIn.Sign() <= 0 || baseOut == nil {
		return 0
	}
	loss := new(big.Int).Sub(baseIn, baseOut)
	if loss.Sign() <= 0 {
		return 0
	}
	bps := new(big.Int).Div(new(big.Int).Mul(loss, big.NewInt(10000)), baseIn)
	if !bps.IsInt64() {
		return 10000
	}
	v := int(bps.Int64())
	if v > 10000 {
		v = 10000
	}
	return v
}
