package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mveldt/tokensniper/internal/domain"
)

// signalEvent is the JSON shape published to "signals" by the scoring gate.
type signalEvent struct {
	ID         string   `json:"id"`
	Token      string   `json:"token"`
	Symbol     string   `json:"symbol"`
	Decimals   uint8    `json:"decimals"`
	AmountBase float64  `json:"amount_base"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	Source     string   `json:"source"`
	ExpiresAt  string   `json:"expires_at"`
}

// SignalFeeder subscribes to the scoring-gate bus channel and feeds decoded
// entry signals to the executor. Malformed payloads are dropped.
type SignalFeeder struct {
	bus     domain.SignalBus
	channel string
	out     chan domain.EntrySignal
	logger  *slog.Logger
}

// NewSignalFeeder creates a SignalFeeder reading from the given bus channel.
func NewSignalFeeder(bus domain.SignalBus, channel string, logger *slog.Logger) *SignalFeeder {
	if channel == "" {
		channel = "entry_signals"
	}
	return &SignalFeeder{
		bus:     bus,
		channel: channel,
		out:     make(chan domain.EntrySignal, 64),
		logger:  logger.With(slog.String("component", "signal_feeder")),
	}
}

// Signals returns the channel of decoded entry signals.
func (f *SignalFeeder) Signals() <-chan domain.EntrySignal {
	return f.out
}

// Run subscribes and pumps decoded signals until ctx is cancelled.
func (f *SignalFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("signal feeder started")
	defer f.logger.Info("signal feeder stopped")
	defer close(f.out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			sig, err := decodeSignal(data)
			if err != nil {
				f.logger.Debug("signal feeder dropped malformed payload",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			select {
			case f.out <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func decodeSignal(data []byte) (domain.EntrySignal, error) {
	var ev signalEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.EntrySignal{}, err
	}
	sig := domain.EntrySignal{
		ID:         strings.TrimSpace(ev.ID),
		Token:      strings.ToLower(strings.TrimSpace(ev.Token)),
		Symbol:     ev.Symbol,
		Decimals:   ev.Decimals,
		AmountBase: ev.AmountBase,
		TakeProfit: ev.TakeProfit,
		StopLoss:   ev.StopLoss,
		Source:     ev.Source,
	}
	if ev.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.ExpiresAt); err == nil {
			sig.ExpiresAt = t
		}
	}
	return sig, nil
}
