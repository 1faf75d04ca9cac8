// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RouteResolutions counts quote attempts per venue and outcome.
	RouteResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensniper",
		Subsystem: "route",
		Name:      "resolutions_total",
		Help:      "Route resolution attempts by venue and outcome.",
	}, []string{"venue", "outcome"})

	// VenueFallbacks counts how often resolution fell past a venue to the
	// next one in priority order.
	VenueFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensniper",
		Subsystem: "route",
		Name:      "venue_fallbacks_total",
		Help:      "Fallbacks from a venue to the next in priority order.",
	}, []string{"venue"})

	// ExitOutcomes counts completed exit attempts by terminal outcome.
	ExitOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensniper",
		Subsystem: "exit",
		Name:      "outcomes_total",
		Help:      "Exit attempts by terminal outcome.",
	}, []string{"outcome"})

	// SlippageRetries counts exits that needed the widened-slippage retry.
	SlippageRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tokensniper",
		Subsystem: "exit",
		Name:      "slippage_retries_total",
		Help:      "Sell submissions retried once with widened slippage.",
	})

	// RecoveryTicks counts recovery sweep cycles.
	RecoveryTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tokensniper",
		Subsystem: "recovery",
		Name:      "ticks_total",
		Help:      "Recovery sweep cycles executed.",
	})

	// RecoveryRechecks counts liquidity rechecks by result.
	RecoveryRechecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensniper",
		Subsystem: "recovery",
		Name:      "rechecks_total",
		Help:      "Liquidity rechecks for waiting positions by result.",
	}, []string{"result"})

	// SafetyBlocks counts entry rejections by block reason.
	SafetyBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokensniper",
		Subsystem: "safety",
		Name:      "blocks_total",
		Help:      "Entry signals blocked by the pre-trade validator.",
	}, []string{"reason"})
)
