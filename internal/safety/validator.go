package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/metrics"
)

// impactWarnPct is the price impact above which an approved trade still
// carries a warning.
const impactWarnPct = 5.0

// SellProber is the slice of the simulator the validator needs.
type SellProber interface {
	SimulateSell(ctx context.Context, token string) (domain.SellProbe, error)
}

// Validator composes a buy-liquidity check and a sell simulation into a
// single approve or block decision. It holds no mutable state and is safe to
// run concurrently for different tokens.
type Validator struct {
	routes      RouteQuoter
	prober      SellProber
	baseToken   string
	taxBlockBps int
	slippageBps int
	logger      *slog.Logger
}

// NewValidator creates a pre-buy validator. taxBlockBps is the estimated
// sell tax at or above which entry is refused.
func NewValidator(routes RouteQuoter, prober SellProber, baseToken string, taxBlockBps, slippageBps int, logger *slog.Logger) *Validator {
	return &Validator{
		routes:      routes,
		prober:      prober,
		baseToken:   baseToken,
		taxBlockBps: taxBlockBps,
		slippageBps: slippageBps,
		logger:      logger.With(slog.String("component", "trade_safety")),
	}
}

// ValidatePreBuy decides whether buying amountBase wei of token is safe.
// Definite verdicts, approve or block, come back as a decision; transient
// conditions such as rate limits come back as errors so callers can retry
// instead of misreading them as a block.
func (v *Validator) ValidatePreBuy(ctx context.Context, token string, amountBase *big.Int) (domain.SafetyDecision, error) {
	buyRoute, err := v.routes.Resolve(ctx, domain.QuoteRequest{
		TokenIn:        v.baseToken,
		TokenOut:       token,
		AmountIn:       amountBase,
		MaxSlippageBps: v.slippageBps,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoRoute) {
			metrics.SafetyBlocks.WithLabelValues(domain.BlockReasonIlliquid).Inc()
			return domain.SafetyDecision{
				Approved:    false,
				BlockReason: domain.BlockReasonIlliquid,
				Message:     "no venue offers a buy route for this token",
			}, nil
		}
		return domain.SafetyDecision{}, fmt.Errorf("safety: buy liquidity check: %w", err)
	}

	probe, err := v.prober.SimulateSell(ctx, token)
	if err != nil {
		return domain.SafetyDecision{}, fmt.Errorf("safety: sell simulation: %w", err)
	}

	if !probe.CanSell {
		metrics.SafetyBlocks.WithLabelValues(domain.BlockReasonHoneypot).Inc()
		return domain.SafetyDecision{
			Approved:    false,
			BlockReason: domain.BlockReasonHoneypot,
			Message:     "sell simulation failed: " + probe.Note,
			Probe:       probe,
		}, nil
	}

	if probe.EstimatedTaxBps >= v.taxBlockBps {
		metrics.SafetyBlocks.WithLabelValues(domain.BlockReasonHighTax).Inc()
		return domain.SafetyDecision{
			Approved:    false,
			BlockReason: domain.BlockReasonHighTax,
			Message: fmt.Sprintf("estimated sell tax %.1f%% is at or above the %.1f%% limit",
				float64(probe.EstimatedTaxBps)/100, float64(v.taxBlockBps)/100),
			Probe: probe,
		}, nil
	}

	decision := domain.SafetyDecision{
		Approved: true,
		BuyRoute: &buyRoute,
		Probe:    probe,
	}

	if buyRoute.PriceImpactPct > impactWarnPct {
		decision.Warnings = append(decision.Warnings, domain.SafetyWarning{
			Kind:     "price_impact",
			Severity: domain.WarningSeverityHigh,
			Message:  fmt.Sprintf("buy price impact %.1f%% suggests thin liquidity", buyRoute.PriceImpactPct),
		})
	}
	if !probe.ProbeResolved {
		decision.Warnings = append(decision.Warnings, domain.SafetyWarning{
			Kind:     "probe_unresolved",
			Severity: domain.WarningSeverityHigh,
			Message:  probe.Note,
		})
	}
	if probe.EstimatedTaxBps > 0 {
		decision.Warnings = append(decision.Warnings, domain.SafetyWarning{
			Kind:     "sell_tax",
			Severity: domain.WarningSeverityInfo,
			Message:  fmt.Sprintf("estimated sell tax %.1f%%", float64(probe.EstimatedTaxBps)/100),
		})
	}

	v.logger.Debug("entry approved",
		slog.String("token", token),
		slog.String("venue", buyRoute.Venue),
		slog.Int("tax_bps", probe.EstimatedTaxBps),
		slog.Int("warnings", len(decision.Warnings)))

	return decision, nil
}
