package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mveldt/tokensniper/internal/domain"
)

// PositionService manages position queries, price refreshes, and take-profit
// / stop-loss trigger detection. Positions here are always long: the engine
// buys tokens with the base currency and exits back into it.
type PositionService struct {
	positions domain.PositionStore
	prices    domain.PriceCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	positions domain.PositionStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		prices:    prices,
		bus:       bus,
		audit:     audit,
		logger:    logger,
	}
}

// GetOpen returns all open positions for the given wallet.
func (s *PositionService) GetOpen(ctx context.Context, wallet string) ([]domain.Position, error) {
	positions, err := s.positions.FetchByStatus(ctx, domain.PositionStatusOpen, wallet)
	if err != nil {
		return nil, fmt.Errorf("position_service: get open for %q: %w", wallet, err)
	}
	return positions, nil
}

// GetWaiting returns positions stuck waiting for liquidity, oldest first.
func (s *PositionService) GetWaiting(ctx context.Context, wallet string) ([]domain.Position, error) {
	positions, err := s.positions.FetchByStatus(ctx, domain.PositionStatusWaiting, wallet)
	if err != nil {
		return nil, fmt.Errorf("position_service: get waiting for %q: %w", wallet, err)
	}
	return positions, nil
}

// RefreshPrices pulls the latest cached price for every open position,
// recomputes PnL, and persists the refreshed values. Positions without a
// cached price are skipped, not failed.
func (s *PositionService) RefreshPrices(ctx context.Context, wallet string) ([]domain.Position, error) {
	open, err := s.GetOpen(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	tokens := make([]string, 0, len(open))
	for _, pos := range open {
		tokens = append(tokens, pos.Token)
	}
	priceMap, err := s.prices.GetPrices(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("position_service: fetch prices: %w", err)
	}

	refreshed := make([]domain.Position, 0, len(open))
	for _, pos := range open {
		price, ok := priceMap[pos.Token]
		if !ok || price <= 0 {
			continue
		}
		pos.CurrentPrice = price
		pos.RefreshPnL()

		if err := s.positions.UpdatePrice(ctx, pos.ID, pos.Wallet, price); err != nil {
			s.logger.WarnContext(ctx, "position_service: persist price failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		refreshed = append(refreshed, pos)
	}
	return refreshed, nil
}

// TriggerReason says which exit level a position breached.
type TriggerReason string

const (
	TriggerTakeProfit TriggerReason = "take_profit"
	TriggerStopLoss   TriggerReason = "stop_loss"
)

// Triggered pairs a position with the exit level it breached.
type Triggered struct {
	Position domain.Position
	Reason   TriggerReason
}

// CheckTriggers returns open positions whose current cached price has
// reached their take-profit or breached their stop-loss level. Positions
// without a cached price are skipped.
func (s *PositionService) CheckTriggers(ctx context.Context, wallet string) ([]Triggered, error) {
	open, err := s.GetOpen(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("position_service: get open for trigger check: %w", err)
	}

	var triggered []Triggered
	for _, pos := range open {
		if pos.TakeProfit == nil && pos.StopLoss == nil {
			continue
		}

		price, _, priceErr := s.prices.GetPrice(ctx, pos.Token)
		if priceErr != nil {
			s.logger.WarnContext(ctx, "position_service: price fetch failed for trigger check",
				slog.String("position_id", pos.ID),
				slog.String("token", pos.Token),
				slog.String("error", priceErr.Error()),
			)
			continue
		}
		pos.CurrentPrice = price
		pos.RefreshPnL()

		switch {
		case pos.TakeProfit != nil && price >= *pos.TakeProfit:
			triggered = append(triggered, Triggered{Position: pos, Reason: TriggerTakeProfit})
		case pos.StopLoss != nil && price <= *pos.StopLoss:
			triggered = append(triggered, Triggered{Position: pos, Reason: TriggerStopLoss})
		}
	}
	return triggered, nil
}

// PublishExit announces a completed exit on the signal bus and audit log.
// Failures to publish never alter the trade outcome.
func (s *PositionService) PublishExit(ctx context.Context, pos domain.Position, result, txHash string, exitPrice float64) {
	evt, _ := json.Marshal(map[string]any{
		"event":       "position_exit",
		"position_id": pos.ID,
		"token":       pos.Token,
		"symbol":      pos.Symbol,
		"result":      result,
		"exit_price":  exitPrice,
		"tx_hash":     txHash,
	})
	if pubErr := s.bus.Publish(ctx, "positions", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "position_service: publish exit event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	if auditErr := s.audit.Log(ctx, "position_exit", map[string]any{
		"position_id": pos.ID,
		"token":       pos.Token,
		"result":      result,
		"exit_price":  exitPrice,
		"tx_hash":     txHash,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("position_id", pos.ID),
			slog.String("error", auditErr.Error()),
		)
	}
}
