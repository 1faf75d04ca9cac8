package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/mveldt/tokensniper/internal/chain"
	"github.com/mveldt/tokensniper/internal/domain"
)

// PreBuyValidator is the trade-safety gate applied before any buy executes.
type PreBuyValidator interface {
	ValidatePreBuy(ctx context.Context, token string, amountBase *big.Int) (domain.SafetyDecision, error)
}

// EntryExecutor reads entry signals from a channel, applies deduplication,
// expiry, and the trade-safety validator, then executes buys and opens
// positions.
type EntryExecutor struct {
	signalCh  <-chan domain.EntrySignal
	validator PreBuyValidator
	routes    RouteService
	reader    domain.ChainReader
	signer    domain.Signer
	positions domain.PositionStore
	trades    TradeRecorder

	dedup          *Dedup
	defaultTPPct   *float64
	defaultSLPct   *float64
	confirmTimeout time.Duration

	cleanupInterval time.Duration
	logger          *slog.Logger
}

// NewEntryExecutor creates an entry executor that reads signals from
// signalCh, gates them through validator, and buys via routes and signer.
// defaultTPPct and defaultSLPct are percentages relative to the realized
// entry price, applied when a signal carries no explicit levels.
func NewEntryExecutor(
	signalCh <-chan domain.EntrySignal,
	validator PreBuyValidator,
	routes RouteService,
	reader domain.ChainReader,
	signer domain.Signer,
	positions domain.PositionStore,
	trades TradeRecorder,
	defaultTPPct, defaultSLPct *float64,
	dedupTTL, confirmTimeout time.Duration,
	logger *slog.Logger,
) *EntryExecutor {
	if dedupTTL <= 0 {
		dedupTTL = 2 * time.Minute
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}
	return &EntryExecutor{
		signalCh:        signalCh,
		validator:       validator,
		routes:          routes,
		reader:          reader,
		signer:          signer,
		positions:       positions,
		trades:          trades,
		dedup:           NewDedup(dedupTTL),
		defaultTPPct:    defaultTPPct,
		defaultSLPct:    defaultSLPct,
		confirmTimeout:  confirmTimeout,
		cleanupInterval: 30 * time.Second,
		logger:          logger.With(slog.String("component", "entry_executor")),
	}
}

// Run starts the executor's main loop. It processes signals until the context
// is cancelled, at which point it drains any remaining signals in the channel
// and returns.
func (e *EntryExecutor) Run(ctx context.Context) error {
	e.logger.Info("entry executor started")
	defer e.logger.Info("entry executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case sig, ok := <-e.signalCh:
			if !ok {
				return nil
			}
			e.process(ctx, sig)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// process handles a single entry signal through dedup, expiry, safety
// validation, and buy execution.
func (e *EntryExecutor) process(ctx context.Context, sig domain.EntrySignal) {
	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("source", sig.Source),
		slog.String("token", sig.Token),
		slog.String("symbol", sig.Symbol),
	)

	if e.dedup.IsDuplicate(sig.ID, sig.Token) {
		log.Debug("signal deduplicated, skipping")
		return
	}

	if !sig.ExpiresAt.IsZero() && time.Now().UTC().After(sig.ExpiresAt) {
		log.Warn("signal expired, skipping", slog.Time("expires_at", sig.ExpiresAt))
		return
	}

	amountBase := chain.UIToWei(sig.AmountBase, 18)
	if amountBase.Sign() <= 0 {
		log.Warn("signal carries no spend amount, skipping")
		return
	}

	decision, err := e.validator.ValidatePreBuy(ctx, sig.Token, amountBase)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			log.Warn("safety check rate limited, signal dropped")
		} else {
			log.Error("safety check failed", slog.String("error", err.Error()))
		}
		return
	}
	if !decision.Approved {
		log.Warn("entry blocked",
			slog.String("block_reason", decision.BlockReason),
			slog.String("message", decision.Message))
		return
	}
	for _, w := range decision.Warnings {
		log.Info("entry warning",
			slog.String("kind", w.Kind),
			slog.String("severity", string(w.Severity)),
			slog.String("message", w.Message))
	}

	if err := e.buy(ctx, sig, *decision.BuyRoute, log); err != nil {
		log.Error("buy failed", slog.String("error", err.Error()))
	}
}

// buy builds, submits and confirms the approved buy route, then opens a
// position and records the trade.
func (e *EntryExecutor) buy(ctx context.Context, sig domain.EntrySignal, quote domain.RouteQuote, log *slog.Logger) error {
	tx, err := e.routes.Build(ctx, quote, e.signer.Address())
	if err != nil {
		return fmt.Errorf("build %s tx: %w", quote.Venue, err)
	}
	res, err := e.signer.SignAndSubmit(ctx, tx)
	if err != nil {
		return fmt.Errorf("submit via %s: %w", quote.Venue, err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()
	if err := e.reader.WaitConfirmed(confirmCtx, res.TxHash); err != nil {
		return fmt.Errorf("confirm %s: %w", res.TxHash, err)
	}

	// The actually received amount governs the position size; quotes do not
	// survive fee-on-transfer tokens intact.
	bal, err := e.reader.TokenBalance(ctx, sig.Token, e.signer.Address())
	if err != nil {
		return fmt.Errorf("read balance after buy: %w", err)
	}

	entryPrice := chain.PricePerToken(quote.AmountIn, 18, bal.Wei, bal.Decimals)

	tp, sl := sig.TakeProfit, sig.StopLoss
	if tp == nil && e.defaultTPPct != nil {
		level := entryPrice * (1 + *e.defaultTPPct/100)
		tp = &level
	}
	if sl == nil && e.defaultSLPct != nil {
		level := entryPrice * (1 - *e.defaultSLPct/100)
		sl = &level
	}

	pos := domain.Position{
		ID:           uuid.New().String(),
		Token:        sig.Token,
		Symbol:       sig.Symbol,
		Decimals:     bal.Decimals,
		Wallet:       e.signer.Address(),
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		Amount:       bal.UI,
		Status:       domain.PositionStatusOpen,
		TakeProfit:   tp,
		StopLoss:     sl,
		OpenedAt:     time.Now().UTC(),
	}
	pos.RefreshPnL()

	if err := e.positions.Create(ctx, pos); err != nil {
		return fmt.Errorf("create position: %w", err)
	}

	if e.trades != nil {
		e.trades.RecordTrade(ctx, domain.Trade{
			ID:         uuid.New().String(),
			Wallet:     pos.Wallet,
			Token:      sig.Token,
			Symbol:     sig.Symbol,
			Side:       domain.TradeSideBuy,
			AmountUI:   bal.UI,
			PriceBase:  entryPrice,
			ValueBase:  chain.WeiToUI(quote.AmountIn, 18),
			Venue:      quote.Venue,
			TxHash:     res.TxHash,
			Reason:     sig.Source,
			ExecutedAt: time.Now().UTC(),
		})
	}

	log.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("venue", quote.Venue),
		slog.Float64("amount_ui", bal.UI),
		slog.Float64("entry_price", entryPrice),
		slog.String("tx_hash", res.TxHash))
	return nil
}

// drain processes any signals already buffered in the channel after context
// cancellation so in-flight signals are not silently dropped.
func (e *EntryExecutor) drain() {
	for {
		select {
		case sig, ok := <-e.signalCh:
			if !ok {
				return
			}
			e.logger.Warn("draining signal after shutdown",
				slog.String("signal_id", sig.ID))
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, sig)
			cancel()
		default:
			return
		}
	}
}
