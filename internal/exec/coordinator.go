// Package exec executes trades: the entry path that turns approved signals
// into buys, and the exit coordinator that drives a sell attempt end to end
// under the per-token sell lock.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mveldt/tokensniper/internal/chain"
	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/metrics"
)

// RouteService is the slice of the route resolver the executors need.
type RouteService interface {
	Resolve(ctx context.Context, req domain.QuoteRequest) (domain.RouteQuote, error)
	Build(ctx context.Context, quote domain.RouteQuote, recipient string) (domain.UnsignedTx, error)
}

// SellLocks is the per-token mutual exclusion registry.
type SellLocks interface {
	TryAcquire(token, holder string) bool
	Release(token string)
	IsLocked(token string) bool
}

// TradeRecorder receives confirmed trades. Calls are fire-and-forget from the
// coordinator's perspective; a recording failure never alters a trade
// outcome.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, trade domain.Trade)
}

// ExitResult is the terminal classification of one exit attempt.
type ExitResult string

const (
	// ExitClosed means the position sold fully (any remainder is dust).
	ExitClosed ExitResult = "closed"
	// ExitPartial means a material remainder survived the widened retry.
	ExitPartial ExitResult = "partial"
	// ExitWaiting means no venue offers a sell route; the recovery worker
	// takes over.
	ExitWaiting ExitResult = "waiting_for_liquidity"
	// ExitManual means the attempt needs operator attention: the token is no
	// longer held, the submission outcome is ambiguous, or confirmation
	// never arrived.
	ExitManual ExitResult = "manual_review"
)

// ExitOutcome describes how an exit attempt ended. Message is suitable for
// surfacing to an operator.
type ExitOutcome struct {
	Result      ExitResult
	TxHash      string
	ExitPrice   float64 // base currency per token, from the executed quote
	SoldUI      float64
	RemainderUI float64
	Message     string
}

// Thresholds are the materiality floors for leftover-balance reconciliation.
// A remainder is immaterial only when it is below BOTH floors.
type Thresholds struct {
	DustUI        float64 // absolute floor in UI units
	RemainderFrac float64 // fraction of the original amount, e.g. 0.01
}

// Coordinator runs one exit attempt end to end: lock, resolve, submit,
// confirm, reconcile the leftover balance against the chain, persist, and
// always release the lock.
type Coordinator struct {
	routes    RouteService
	locks     SellLocks
	positions domain.PositionStore
	reader    domain.ChainReader
	signer    domain.Signer
	trades    TradeRecorder

	baseToken      string
	slippageBps    int
	widenedBps     int
	thresholds     Thresholds
	confirmTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator creates an exit coordinator. trades may be nil.
func NewCoordinator(
	routes RouteService,
	locks SellLocks,
	positions domain.PositionStore,
	reader domain.ChainReader,
	signer domain.Signer,
	trades TradeRecorder,
	baseToken string,
	slippageBps, widenedBps int,
	thresholds Thresholds,
	confirmTimeout time.Duration,
	logger *slog.Logger,
) *Coordinator {
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}
	return &Coordinator{
		routes:         routes,
		locks:          locks,
		positions:      positions,
		reader:         reader,
		signer:         signer,
		trades:         trades,
		baseToken:      baseToken,
		slippageBps:    slippageBps,
		widenedBps:     widenedBps,
		thresholds:     thresholds,
		confirmTimeout: confirmTimeout,
		logger:         logger.With(slog.String("component", "exit_coordinator")),
		now:            time.Now,
	}
}

// ExecuteExit attempts to fully exit pos, identified by holder for lock
// diagnostics ("manual", "auto_tp", "recovery", ...).
//
// Error contract: ErrLockBusy means another attempt is in flight and the
// caller should back off, not queue. ErrRateLimited means a venue throttled
// the attempt; retry shortly, the position status is untouched. Any outcome
// with a nil error is terminal for this attempt.
func (c *Coordinator) ExecuteExit(ctx context.Context, pos domain.Position, holder, reason string) (ExitOutcome, error) {
	if c.locks.IsLocked(pos.Token) {
		return ExitOutcome{}, fmt.Errorf("exec: token %s: %w", pos.Token, domain.ErrLockBusy)
	}
	if !c.locks.TryAcquire(pos.Token, holder) {
		return ExitOutcome{}, fmt.Errorf("exec: token %s: %w", pos.Token, domain.ErrLockBusy)
	}
	defer c.locks.Release(pos.Token)

	return c.executeLocked(ctx, pos, reason)
}

// ExecuteExitLocked runs the execute-and-reconcile steps for a caller that
// already holds the token's sell lock. The recovery worker uses this after
// confirming a route exists.
func (c *Coordinator) ExecuteExitLocked(ctx context.Context, pos domain.Position, reason string) (ExitOutcome, error) {
	return c.executeLocked(ctx, pos, reason)
}

func (c *Coordinator) executeLocked(ctx context.Context, pos domain.Position, reason string) (outcome ExitOutcome, err error) {
	log := c.logger.With(
		slog.String("token", pos.Token),
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.String("reason", reason),
	)

	defer func() {
		if err == nil {
			metrics.ExitOutcomes.WithLabelValues(string(outcome.Result)).Inc()
		}
	}()

	// On-chain truth is authoritative for the sell size. Deposits, airdrops,
	// and partial prior sells all cause the stored amount to drift.
	bal, err := c.reader.TokenBalance(ctx, pos.Token, c.signer.Address())
	if err != nil {
		return ExitOutcome{}, fmt.Errorf("exec: read balance: %w", err)
	}
	if bal.Wei.Sign() == 0 {
		log.Warn("exit requested but token not held on chain")
		return ExitOutcome{
			Result:  ExitManual,
			Message: "wallet holds zero balance; position needs manual reconciliation",
		}, nil
	}
	if pos.Amount > 0 && mismatchPct(pos.Amount, bal.UI) > 1.0 {
		log.Warn("recorded amount differs from chain, using chain balance",
			slog.Float64("recorded_ui", pos.Amount),
			slog.Float64("chain_ui", bal.UI))
	}

	quote, err := c.routes.Resolve(ctx, domain.QuoteRequest{
		TokenIn:        pos.Token,
		TokenOut:       c.baseToken,
		AmountIn:       bal.Wei,
		MaxSlippageBps: c.slippageBps,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNoRoute):
			if markErr := c.markWaiting(ctx, pos); markErr != nil {
				return ExitOutcome{}, markErr
			}
			log.Info("no sell route anywhere, handing off to recovery")
			return ExitOutcome{
				Result:  ExitWaiting,
				Message: "no venue offers a sell route; will keep checking",
			}, nil
		case errors.Is(err, domain.ErrRateLimited):
			log.Warn("venue rate limited, exit deferred")
			return ExitOutcome{}, fmt.Errorf("exec: resolve: %w", err)
		default:
			return ExitOutcome{}, fmt.Errorf("exec: resolve: %w", err)
		}
	}

	txHash, err := c.submitAndConfirm(ctx, quote)
	if err != nil {
		return c.handleSubmitFailure(ctx, log, pos, quote, err)
	}

	return c.reconcile(ctx, log, pos, quote, bal, txHash, reason)
}

// submitAndConfirm builds, signs, submits and waits for the swap.
func (c *Coordinator) submitAndConfirm(ctx context.Context, quote domain.RouteQuote) (string, error) {
	tx, err := c.routes.Build(ctx, quote, c.signer.Address())
	if err != nil {
		return "", fmt.Errorf("build %s tx: %w", quote.Venue, err)
	}
	res, err := c.signer.SignAndSubmit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("submit via %s: %w", quote.Venue, err)
	}
	confirmCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	if err := c.reader.WaitConfirmed(confirmCtx, res.TxHash); err != nil {
		return res.TxHash, fmt.Errorf("confirm %s: %w", res.TxHash, err)
	}
	return res.TxHash, nil
}

// handleSubmitFailure classifies a submission or confirmation failure and
// picks the follow-up: one immediate fallback through the remaining venues,
// move to waiting, or surface for manual intervention.
func (c *Coordinator) handleSubmitFailure(ctx context.Context, log *slog.Logger, pos domain.Position, failed domain.RouteQuote, cause error) (ExitOutcome, error) {
	switch {
	case errors.Is(cause, domain.ErrUnconfirmed):
		// The transaction may still land. Closing or retrying here could
		// double-sell.
		log.Error("confirmation timed out, possibly pending",
			slog.String("error", cause.Error()))
		return ExitOutcome{
			Result:  ExitManual,
			Message: "submission unconfirmed and possibly pending; verify on chain before retrying",
		}, nil
	case errors.Is(cause, domain.ErrRateLimited):
		return ExitOutcome{}, fmt.Errorf("exec: %w", cause)
	case errors.Is(cause, context.Canceled):
		return ExitOutcome{}, cause
	}

	// One immediate fallback attempt. Re-resolve; only a quote from a
	// different venue is worth submitting, the failed venue just failed.
	log.Warn("submission failed, attempting one venue fallback",
		slog.String("failed_venue", failed.Venue),
		slog.String("error", cause.Error()))
	metrics.VenueFallbacks.WithLabelValues(failed.Venue).Inc()

	quote, err := c.routes.Resolve(ctx, domain.QuoteRequest{
		TokenIn:        failed.TokenIn,
		TokenOut:       failed.TokenOut,
		AmountIn:       failed.AmountIn,
		MaxSlippageBps: c.slippageBps,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoRoute) {
			if markErr := c.markWaiting(ctx, pos); markErr != nil {
				return ExitOutcome{}, markErr
			}
			return ExitOutcome{
				Result:  ExitWaiting,
				Message: "sell failed and no alternative route exists; will keep checking",
			}, nil
		}
		return ExitOutcome{}, fmt.Errorf("exec: fallback resolve: %w", err)
	}
	if quote.Venue == failed.Venue {
		return ExitOutcome{
			Result:  ExitManual,
			Message: fmt.Sprintf("sell via %s failed with no alternative venue: %v", failed.Venue, cause),
		}, nil
	}

	txHash, err := c.submitAndConfirm(ctx, quote)
	if err != nil {
		if errors.Is(err, domain.ErrUnconfirmed) {
			return ExitOutcome{
				Result:  ExitManual,
				Message: "fallback submission unconfirmed and possibly pending; verify on chain",
			}, nil
		}
		return ExitOutcome{
			Result:  ExitManual,
			Message: fmt.Sprintf("sell failed on %s and fallback %s: %v", failed.Venue, quote.Venue, err),
		}, nil
	}

	bal := domain.TokenBalance{Wei: failed.AmountIn, Decimals: pos.Decimals, UI: chain.WeiToUI(failed.AmountIn, pos.Decimals)}
	return c.reconcile(ctx, log, pos, quote, bal, txHash, "fallback")
}

// reconcile re-reads the on-chain balance after a confirmed sell and decides
// between closing, one widened-slippage retry for a material remainder, and
// a partial-exit surface.
func (c *Coordinator) reconcile(ctx context.Context, log *slog.Logger, pos domain.Position, quote domain.RouteQuote, sold domain.TokenBalance, txHash, reason string) (ExitOutcome, error) {
	remaining, err := c.reader.TokenBalance(ctx, pos.Token, c.signer.Address())
	if err != nil {
		return ExitOutcome{}, fmt.Errorf("exec: re-read balance: %w", err)
	}

	exitPrice := chain.PricePerToken(quote.AmountOut, 18, quote.AmountIn, sold.Decimals)
	originalUI := sold.UI
	if pos.Amount > originalUI {
		originalUI = pos.Amount
	}

	if c.immaterial(remaining.UI, originalUI) {
		if err := c.closePosition(ctx, pos, exitPrice, txHash, reason); err != nil {
			return ExitOutcome{}, err
		}
		c.recordSell(ctx, pos, quote, exitPrice, txHash, reason)
		log.Info("position closed",
			slog.Float64("exit_price", exitPrice),
			slog.String("tx_hash", txHash),
			slog.Float64("dust_ui", remaining.UI))
		return ExitOutcome{
			Result:    ExitClosed,
			TxHash:    txHash,
			ExitPrice: exitPrice,
			SoldUI:    sold.UI,
		}, nil
	}

	// Material remainder: exactly one immediate retry at widened slippage.
	log.Warn("material remainder after sell, retrying once with widened slippage",
		slog.Float64("remaining_ui", remaining.UI),
		slog.Float64("original_ui", originalUI))
	metrics.SlippageRetries.Inc()

	retryQuote, retryErr := c.routes.Resolve(ctx, domain.QuoteRequest{
		TokenIn:        pos.Token,
		TokenOut:       c.baseToken,
		AmountIn:       remaining.Wei,
		MaxSlippageBps: c.widenedBps,
	})
	if retryErr == nil {
		if retryHash, submitErr := c.submitAndConfirm(ctx, retryQuote); submitErr == nil {
			after, readErr := c.reader.TokenBalance(ctx, pos.Token, c.signer.Address())
			if readErr == nil && c.immaterial(after.UI, originalUI) {
				if err := c.closePosition(ctx, pos, exitPrice, retryHash, reason); err != nil {
					return ExitOutcome{}, err
				}
				c.recordSell(ctx, pos, retryQuote, exitPrice, retryHash, reason)
				log.Info("remainder cleared on widened retry", slog.String("tx_hash", retryHash))
				return ExitOutcome{
					Result:    ExitClosed,
					TxHash:    retryHash,
					ExitPrice: exitPrice,
					SoldUI:    sold.UI,
				}, nil
			}
			if readErr == nil {
				remaining = after
			}
		} else {
			retryErr = submitErr
		}
	}
	if retryErr != nil {
		log.Warn("widened retry failed", slog.String("error", retryErr.Error()))
	}

	// The retry did not clear the balance. Persist chain truth and surface
	// a partial exit instead of silently closing.
	if pos.Persisted() {
		if err := c.positions.UpdateAmount(ctx, pos.ID, pos.Wallet, remaining.UI); err != nil {
			log.Error("persist corrected amount failed", slog.String("error", err.Error()))
		}
	}
	c.recordSell(ctx, pos, quote, exitPrice, txHash, reason)
	return ExitOutcome{
		Result:      ExitPartial,
		TxHash:      txHash,
		ExitPrice:   exitPrice,
		SoldUI:      sold.UI - remaining.UI,
		RemainderUI: remaining.UI,
		Message:     fmt.Sprintf("%.6f %s still held after retry; position kept open with corrected amount", remaining.UI, pos.Symbol),
	}, nil
}

// immaterial reports whether a remainder is below both the absolute dust
// floor and the fraction-of-original floor.
func (c *Coordinator) immaterial(remainderUI, originalUI float64) bool {
	if remainderUI <= 0 {
		return true
	}
	if remainderUI >= c.thresholds.DustUI {
		return false
	}
	return remainderUI < originalUI*c.thresholds.RemainderFrac
}

func (c *Coordinator) markWaiting(ctx context.Context, pos domain.Position) error {
	if !pos.Persisted() {
		return nil
	}
	if err := c.positions.MarkWaiting(ctx, pos.ID, pos.Wallet, c.now().UTC()); err != nil {
		return fmt.Errorf("exec: mark waiting: %w", err)
	}
	return nil
}

func (c *Coordinator) closePosition(ctx context.Context, pos domain.Position, exitPrice float64, txHash, reason string) error {
	if !pos.Persisted() {
		return nil
	}
	if err := c.positions.Close(ctx, pos.ID, pos.Wallet, exitPrice, txHash, reason); err != nil {
		return fmt.Errorf("exec: close position: %w", err)
	}
	return nil
}

func (c *Coordinator) recordSell(ctx context.Context, pos domain.Position, quote domain.RouteQuote, price float64, txHash, reason string) {
	if c.trades == nil {
		return
	}
	amountUI := chain.WeiToUI(quote.AmountIn, pos.Decimals)
	c.trades.RecordTrade(ctx, domain.Trade{
		ID:         uuid.New().String(),
		Wallet:     pos.Wallet,
		Token:      pos.Token,
		Symbol:     pos.Symbol,
		Side:       domain.TradeSideSell,
		AmountUI:   amountUI,
		PriceBase:  price,
		ValueBase:  chain.WeiToUI(quote.AmountOut, 18),
		Venue:      quote.Venue,
		TxHash:     txHash,
		Reason:     reason,
		ExecutedAt: c.now().UTC(),
	})
}

func mismatchPct(recorded, chainUI float64) float64 {
	if recorded == 0 {
		return 0
	}
	diff := recorded - chainUI
	if diff < 0 {
		diff = -diff
	}
	return diff / recorded * 100
}
