// Package notify delivers operator alerts for position-lifecycle events.
// Alerts fan out to all registered senders (Telegram, Discord) and can be
// filtered by event type so operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mveldt/tokensniper/internal/domain"
)

// Event types emitted by the engine. Manual-review alerts are the ones that
// require a human to act; the rest are informational.
const (
	EventManualReview     = "manual_review"
	EventExitClosed       = "exit_closed"
	EventExitPartial      = "exit_partial"
	EventLiquidityWaiting = "waiting_for_liquidity"
	EventSafetyBlock      = "safety_block"
	EventEntryFilled      = "entry_filled"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to one or more Senders. It maintains a set of
// allowed event types; Notify only forwards alerts whose event type is in the
// allowed set. An empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends an alert to all senders if the event type passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// ManualReview alerts the operator that a position needs hands-on attention.
// These bypass the event filter.
func (n *Notifier) ManualReview(ctx context.Context, pos domain.Position, reason string) error {
	title := fmt.Sprintf("Manual review: %s", pos.Symbol)
	message := fmt.Sprintf("token %s\nwallet %s\namount %.6f\nreason: %s",
		pos.Token, pos.Wallet, pos.Amount, reason)
	return n.dispatch(ctx, title, message)
}

// PositionClosed reports a completed exit.
func (n *Notifier) PositionClosed(ctx context.Context, pos domain.Position, exitPrice float64, txHash string) error {
	title := fmt.Sprintf("Closed %s", pos.Symbol)
	message := fmt.Sprintf("token %s\nexit price %.10g\npnl %.2f%%\ntx %s",
		pos.Token, exitPrice, pos.PnLPercent, txHash)
	return n.Notify(ctx, EventExitClosed, title, message)
}

// PartialExit reports an exit that left a material remainder open.
func (n *Notifier) PartialExit(ctx context.Context, pos domain.Position, soldUI, remainderUI float64) error {
	title := fmt.Sprintf("Partial exit: %s", pos.Symbol)
	message := fmt.Sprintf("token %s\nsold %.6f\nremainder %.6f held open",
		pos.Token, soldUI, remainderUI)
	return n.Notify(ctx, EventExitPartial, title, message)
}

// LiquidityWaiting reports a position parked until a sell route reappears.
func (n *Notifier) LiquidityWaiting(ctx context.Context, pos domain.Position) error {
	title := fmt.Sprintf("No sell route: %s", pos.Symbol)
	message := fmt.Sprintf("token %s\nposition parked, recovery worker is rechecking", pos.Token)
	return n.Notify(ctx, EventLiquidityWaiting, title, message)
}

// dispatch iterates over all senders. A single sender failure does not
// prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
