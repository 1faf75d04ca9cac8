package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mveldt/tokensniper/internal/domain"
)

// TradeService records confirmed trades and serves trade-history queries.
// Recording is write-only and fire-and-forget from the executors'
// perspective: a failure here is logged, never propagated, so it can never
// roll back or block a trade that already happened on chain.
type TradeService struct {
	trades domain.TradeStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewTradeService creates a TradeService with all required dependencies.
func NewTradeService(trades domain.TradeStore, audit domain.AuditStore, logger *slog.Logger) *TradeService {
	return &TradeService{
		trades: trades,
		audit:  audit,
		logger: logger,
	}
}

// RecordTrade persists a confirmed trade and writes an audit entry.
func (s *TradeService) RecordTrade(ctx context.Context, trade domain.Trade) {
	if err := s.trades.Insert(ctx, trade); err != nil {
		s.logger.ErrorContext(ctx, "trade_service: insert failed",
			slog.String("trade_id", trade.ID),
			slog.String("tx_hash", trade.TxHash),
			slog.String("error", err.Error()),
		)
		return
	}

	if auditErr := s.audit.Log(ctx, "trade_recorded", map[string]any{
		"trade_id":   trade.ID,
		"token":      trade.Token,
		"side":       string(trade.Side),
		"amount_ui":  trade.AmountUI,
		"price":      trade.PriceBase,
		"venue":      trade.Venue,
		"tx_hash":    trade.TxHash,
		"reason":     trade.Reason,
		"executed":   trade.ExecutedAt.Format(time.RFC3339),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "trade_service: audit log failed",
			slog.String("trade_id", trade.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "trade_service: trade recorded",
		slog.String("trade_id", trade.ID),
		slog.String("symbol", trade.Symbol),
		slog.String("side", string(trade.Side)),
		slog.String("venue", trade.Venue),
	)
}

// ListByWallet returns trades for a specific wallet with pagination.
func (s *TradeService) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListByWallet(ctx, wallet, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list by wallet %q: %w", wallet, err)
	}
	return trades, nil
}
