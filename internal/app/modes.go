package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mveldt/tokensniper/internal/exec"
	"github.com/mveldt/tokensniper/internal/feed"
	"github.com/mveldt/tokensniper/internal/notify"
	"github.com/mveldt/tokensniper/internal/pipeline"
	"github.com/mveldt/tokensniper/internal/recovery"
	"github.com/mveldt/tokensniper/internal/server"
	"github.com/mveldt/tokensniper/internal/service"
)

// TradeMode runs the full engine: entry path, price feed, monitor, recovery
// worker, archiver, and ops server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)

	// Entry path: bus signals through the pre-buy gate into buys.
	feeder := feed.NewSignalFeeder(deps.SignalBus, a.cfg.Entry.SignalChannel, a.logger)
	g.Go(func() error { return feeder.Run(ctx) })

	entry := exec.NewEntryExecutor(
		feeder.Signals(), deps.Validator, deps.Resolver,
		deps.Chain, deps.Wallet, deps.PositionStore, deps.TradeService,
		pctOrNil(a.cfg.Entry.DefaultTakeProfitPct), pctOrNil(a.cfg.Entry.DefaultStopLossPct),
		a.cfg.Entry.DedupTTL.Duration, a.cfg.Chain.ConfirmTimeout.Duration,
		a.logger,
	)
	g.Go(func() error { return entry.Run(ctx) })

	a.startExitPath(ctx, g, deps)
	a.startOpsServer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// MonitorMode runs everything except the entry path. Useful when the scoring
// gate is down but held positions still need TP/SL enforcement.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startExitPath(ctx, g, deps)
	a.startOpsServer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// RecoverMode runs only the liquidity-recovery worker and ops server. Meant
// for draining waiting_for_liquidity backlogs without touching open
// positions.
func (a *App) RecoverMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting recover mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startRecovery(ctx, g, deps)
	a.startOpsServer(ctx, g, deps)
	return g.Wait()
}

// startExitPath launches the price feed, the TP/SL monitor, the recovery
// worker, and the alert relay.
func (a *App) startExitPath(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	wallet := deps.Wallet.Address()

	if a.cfg.Feed.WsURL != "" {
		priceFeed := feed.NewPriceWSFeed(
			a.cfg.Feed.WsURL,
			func(ctx context.Context) ([]string, error) {
				positions, err := deps.PositionService.GetOpen(ctx, wallet)
				if err != nil {
					return nil, err
				}
				tokens := make([]string, 0, len(positions))
				for _, p := range positions {
					tokens = append(tokens, p.Token)
				}
				return tokens, nil
			},
			deps.PriceCache,
			a.logger,
		)
		g.Go(func() error {
			defer priceFeed.Close()
			return priceFeed.Run(ctx)
		})
	}

	monitor := service.NewMonitorService(
		deps.PositionService, deps.Coordinator, wallet,
		a.cfg.Monitor.SweepInterval.Duration, a.logger,
	)
	g.Go(func() error { return monitor.Run(ctx) })

	a.startRecovery(ctx, g, deps)
	g.Go(func() error { return a.relayAlerts(ctx, deps) })
}

func (a *App) startRecovery(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	worker := recovery.NewWorker(
		deps.PositionStore, deps.Resolver, deps.Coordinator, deps.Locks,
		deps.Wallet.Address(), a.cfg.Chain.BaseToken,
		a.cfg.Engine.MaxSlippageBps,
		a.cfg.Recovery.PollInterval.Duration,
		a.cfg.Recovery.BatchSize,
		a.cfg.Recovery.InterBatchPause.Duration,
		a.logger,
	)
	g.Go(func() error {
		worker.Start(ctx)
		<-ctx.Done()
		worker.Stop()
		return ctx.Err()
	})
}

func (a *App) startOpsServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}
	srv := server.NewServer(server.Config{Port: a.cfg.Server.Port}, deps.Probes, a.logger)
	g.Go(func() error { return srv.Start() })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("ops server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.BlobWriter == nil {
		return
	}
	archiver := pipeline.NewArchiver(
		deps.TradeStore, deps.BlobWriter, deps.AuditStore,
		retention(a.cfg), a.cfg.Archive.Interval.Duration, 0,
		a.logger,
	)
	g.Go(func() error { return archiver.Run(ctx) })
}

// pctOrNil converts a zero-disabled config percentage to the optional form
// the entry executor takes.
func pctOrNil(pct float64) *float64 {
	if pct <= 0 {
		return nil
	}
	return &pct
}

// exitEvent mirrors the JSON published by PositionService.PublishExit.
type exitEvent struct {
	Event     string  `json:"event"`
	Token     string  `json:"token"`
	Symbol    string  `json:"symbol"`
	Result    string  `json:"result"`
	ExitPrice float64 `json:"exit_price"`
	TxHash    string  `json:"tx_hash"`
}

// relayAlerts forwards position-exit bus events to the operator channels.
// Delivery failures are logged and dropped; alerting never blocks trading.
func (a *App) relayAlerts(ctx context.Context, deps *Dependencies) error {
	ch, err := deps.SignalBus.Subscribe(ctx, "positions")
	if err != nil {
		return fmt.Errorf("app: subscribe positions: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var evt exitEvent
			if err := json.Unmarshal(data, &evt); err != nil || evt.Event != "position_exit" {
				continue
			}
			event := notify.EventExitClosed
			title := fmt.Sprintf("Exit %s: %s", evt.Result, evt.Symbol)
			switch evt.Result {
			case string(exec.ExitPartial):
				event = notify.EventExitPartial
			case string(exec.ExitWaiting):
				event = notify.EventLiquidityWaiting
			case string(exec.ExitManual):
				event = notify.EventManualReview
			}
			message := fmt.Sprintf("token %s\nexit price %.10g\ntx %s", evt.Token, evt.ExitPrice, evt.TxHash)
			if err := deps.Notifier.Notify(ctx, event, title, message); err != nil {
				a.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("event", event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
