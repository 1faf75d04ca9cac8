// Package recovery polls positions stuck waiting for liquidity and hands
// them back to the exit coordinator once a sell route reappears.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mveldt/tokensniper/internal/chain"
	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/exec"
	"github.com/mveldt/tokensniper/internal/metrics"
)

// ExitExecutor runs the execute-and-reconcile steps for a position whose
// sell lock the caller already holds.
type ExitExecutor interface {
	ExecuteExitLocked(ctx context.Context, pos domain.Position, reason string) (exec.ExitOutcome, error)
}

// Worker is the single logical recovery poller. Start and Stop are
// idempotent; a stop waits for any in-flight sweep to finish so no position
// is left holding a lock across shutdown.
type Worker struct {
	positions domain.PositionStore
	routes    exec.RouteService
	executor  ExitExecutor
	locks     exec.SellLocks

	wallet      string
	baseToken   string
	slippageBps int

	interval   time.Duration
	batchSize  int
	batchPause time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now    func() time.Time
	logger *slog.Logger
}

// NewWorker creates a recovery worker for the given wallet.
func NewWorker(
	positions domain.PositionStore,
	routes exec.RouteService,
	executor ExitExecutor,
	locks exec.SellLocks,
	wallet, baseToken string,
	slippageBps int,
	interval time.Duration,
	batchSize int,
	batchPause time.Duration,
	logger *slog.Logger,
) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 3
	}
	if batchPause < 0 {
		batchPause = 500 * time.Millisecond
	}
	return &Worker{
		positions:   positions,
		routes:      routes,
		executor:    executor,
		locks:       locks,
		wallet:      wallet,
		baseToken:   baseToken,
		slippageBps: slippageBps,
		interval:    interval,
		batchSize:   batchSize,
		batchPause:  batchPause,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "recovery_worker")),
	}
}

// Start launches the poll loop. Starting an already-running worker is a
// no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(ctx, w.stopCh, w.doneCh)
	w.logger.Info("recovery worker started", slog.Duration("interval", w.interval))
}

// Stop halts the poll loop and waits for any in-flight sweep to finish.
// Stopping a worker that is not running is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.running = false
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
	w.logger.Info("recovery worker stopped")
}

func (w *Worker) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx, stopCh)
		}
	}
}

// RunOnce performs a single sweep: fetch all waiting positions oldest first,
// process them in fixed-size batches, positions within a batch concurrently,
// with a short pause between batches to avoid bursting venue rate limits.
// stopCh may be nil; when it fires the current batch finishes and remaining
// batches are skipped.
func (w *Worker) RunOnce(ctx context.Context, stopCh <-chan struct{}) {
	metrics.RecoveryTicks.Inc()

	waiting, err := w.positions.FetchByStatus(ctx, domain.PositionStatusWaiting, w.wallet)
	if err != nil {
		w.logger.Error("fetch waiting positions failed", slog.String("error", err.Error()))
		return
	}
	if len(waiting) == 0 {
		return
	}
	w.logger.Debug("recovery sweep", slog.Int("waiting", len(waiting)))

	for start := 0; start < len(waiting); start += w.batchSize {
		if stopped(ctx, stopCh) {
			return
		}
		end := start + w.batchSize
		if end > len(waiting) {
			end = len(waiting)
		}

		g, batchCtx := errgroup.WithContext(ctx)
		for _, pos := range waiting[start:end] {
			pos := pos
			g.Go(func() error {
				// A single position's failure never aborts the batch.
				w.processPosition(batchCtx, pos)
				return nil
			})
		}
		_ = g.Wait()

		if end < len(waiting) && !stopped(ctx, stopCh) {
			select {
			case <-time.After(w.batchPause):
			case <-ctx.Done():
				return
			}
		}
	}
}

// processPosition re-checks one waiting position. A route reappearing hands
// the position to the exit coordinator while still holding the sell lock.
func (w *Worker) processPosition(ctx context.Context, pos domain.Position) {
	log := w.logger.With(
		slog.String("token", pos.Token),
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
	)

	if w.locks.IsLocked(pos.Token) {
		log.Debug("token locked by another path, skipping")
		return
	}
	if !w.locks.TryAcquire(pos.Token, "recovery") {
		return
	}
	defer w.locks.Release(pos.Token)

	amountWei := chain.UIToWei(pos.Amount, pos.Decimals)
	if amountWei.Sign() <= 0 {
		log.Warn("waiting position has no recorded amount, skipping")
		return
	}

	_, err := w.routes.Resolve(ctx, domain.QuoteRequest{
		TokenIn:        pos.Token,
		TokenOut:       w.baseToken,
		AmountIn:       amountWei,
		MaxSlippageBps: w.slippageBps,
	})
	switch {
	case err == nil:
		metrics.RecoveryRechecks.WithLabelValues("route_found").Inc()
		log.Info("liquidity returned, executing exit")
		out, execErr := w.executor.ExecuteExitLocked(ctx, pos, "recovery")
		if execErr != nil {
			log.Warn("recovery exit failed", slog.String("error", execErr.Error()))
			return
		}
		log.Info("recovery exit finished",
			slog.String("result", string(out.Result)),
			slog.String("tx_hash", out.TxHash))

	case errors.Is(err, domain.ErrNoRoute):
		metrics.RecoveryRechecks.WithLabelValues("still_waiting").Inc()
		log.Debug("still no route", slog.Int("check_count", pos.LiquidityCheckCount+1))
		if pos.Persisted() {
			if touchErr := w.positions.TouchLiquidityCheck(ctx, pos.ID, pos.Wallet, w.now().UTC()); touchErr != nil {
				log.Error("touch liquidity check failed", slog.String("error", touchErr.Error()))
			}
		}

	case errors.Is(err, domain.ErrRateLimited):
		metrics.RecoveryRechecks.WithLabelValues("rate_limited").Inc()
		log.Warn("venue rate limited, leaving for next tick")

	default:
		metrics.RecoveryRechecks.WithLabelValues("error").Inc()
		log.Error("route recheck failed", slog.String("error", err.Error()))
	}
}

func stopped(ctx context.Context, stopCh <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	if stopCh == nil {
		return false
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
