package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/exec"
)

// ExitCoordinator is the slice of the exit coordinator the monitor needs.
type ExitCoordinator interface {
	ExecuteExit(ctx context.Context, pos domain.Position, holder, reason string) (exec.ExitOutcome, error)
}

// MonitorService sweeps open positions on a fixed interval, refreshes their
// prices, and fires exits when a take-profit or stop-loss level is hit. A
// token already being exited by another path simply gets skipped this sweep;
// the sell lock serializes the rest.
type MonitorService struct {
	positions   *PositionService
	coordinator ExitCoordinator
	wallet      string
	interval    time.Duration
	logger      *slog.Logger
}

// NewMonitorService creates a monitor for the given wallet.
func NewMonitorService(positions *PositionService, coordinator ExitCoordinator, wallet string, interval time.Duration, logger *slog.Logger) *MonitorService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MonitorService{
		positions:   positions,
		coordinator: coordinator,
		wallet:      wallet,
		interval:    interval,
		logger:      logger.With(slog.String("component", "monitor")),
	}
}

// Run sweeps until the context is cancelled.
func (s *MonitorService) Run(ctx context.Context) error {
	s.logger.Info("monitor started", slog.Duration("interval", s.interval))
	defer s.logger.Info("monitor stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep refreshes prices and executes any triggered exits. Per-position
// failures are isolated; one bad token never stops the sweep.
func (s *MonitorService) sweep(ctx context.Context) {
	if _, err := s.positions.RefreshPrices(ctx, s.wallet); err != nil {
		s.logger.Warn("price refresh failed", slog.String("error", err.Error()))
	}

	triggered, err := s.positions.CheckTriggers(ctx, s.wallet)
	if err != nil {
		s.logger.Error("trigger check failed", slog.String("error", err.Error()))
		return
	}

	for _, trig := range triggered {
		log := s.logger.With(
			slog.String("position_id", trig.Position.ID),
			slog.String("symbol", trig.Position.Symbol),
			slog.String("reason", string(trig.Reason)),
		)
		log.Info("exit level hit",
			slog.Float64("current_price", trig.Position.CurrentPrice),
			slog.Float64("pnl_pct", trig.Position.PnLPercent))

		out, err := s.coordinator.ExecuteExit(ctx, trig.Position, "monitor", string(trig.Reason))
		switch {
		case errors.Is(err, domain.ErrLockBusy):
			log.Debug("exit already in progress, skipping this sweep")
		case errors.Is(err, domain.ErrRateLimited):
			log.Warn("exit rate limited, will retry next sweep")
		case err != nil:
			log.Error("exit failed", slog.String("error", err.Error()))
		default:
			log.Info("exit finished",
				slog.String("result", string(out.Result)),
				slog.String("tx_hash", out.TxHash))
			s.positions.PublishExit(ctx, trig.Position, string(out.Result), out.TxHash, out.ExitPrice)
		}
	}
}
