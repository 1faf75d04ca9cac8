package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mveldt/tokensniper/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TokenLister returns the set of tokens the feed should be subscribed to.
// It is re-evaluated on every (re)connect so subscriptions track the open
// position set without restarting the feed.
type TokenLister func(ctx context.Context) ([]string, error)

// tickMessage is the JSON shape of a price tick from the indexer stream.
type tickMessage struct {
	Type      string  `json:"type"`
	Token     string  `json:"token"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"ts"`
}

type subscribeCommand struct {
	Type   string   `json:"type"`
	Tokens []string `json:"tokens"`
}

// PriceWSFeed connects to the price-indexer WebSocket, subscribes to ticks
// for the currently held tokens, and writes each tick into the price cache.
// It reconnects with exponential backoff on disconnect.
type PriceWSFeed struct {
	wsURL  string
	tokens TokenLister
	prices domain.PriceCache
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewPriceWSFeed creates a feed that keeps the price cache current for the
// tokens returned by the lister.
func NewPriceWSFeed(wsURL string, tokens TokenLister, prices domain.PriceCache, logger *slog.Logger) *PriceWSFeed {
	return &PriceWSFeed{
		wsURL:  wsURL,
		tokens: tokens,
		prices: prices,
		logger: logger.With(slog.String("component", "price_ws_feed")),
		done:   make(chan struct{}),
	}
}

// Run connects and streams ticks until ctx is cancelled or Close is called.
func (f *PriceWSFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}

		f.logger.Warn("price ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *PriceWSFeed) runConnection(ctx context.Context) error {
	tokens, err := f.tokens(ctx)
	if err != nil {
		return fmt.Errorf("feed: list tokens: %w", err)
	}
	if len(tokens) == 0 {
		// Nothing held yet. Poll the lister instead of holding an idle socket.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(reconnectDelay):
			return fmt.Errorf("feed: no tokens to subscribe")
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(conn, tokens); err != nil {
		return err
	}
	f.logger.Info("price ws subscribed", slog.Int("tokens", len(tokens)))

	// Unblock the read loop when the caller goes away.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-stop:
			return
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		conn.Close()
	}()
	go f.pingLoop(conn, stop)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-f.done:
				return nil
			default:
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, message)
	}
}

func (f *PriceWSFeed) subscribe(conn *websocket.Conn, tokens []string) error {
	cmd := subscribeCommand{Type: "subscribe", Tokens: tokens}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

func (f *PriceWSFeed) handleMessage(ctx context.Context, message []byte) {
	var tick tickMessage
	if err := json.Unmarshal(message, &tick); err != nil {
		f.logger.Debug("price ws dropped malformed message",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(message)),
		)
		return
	}
	if tick.Type != "" && tick.Type != "tick" {
		return
	}
	token := strings.ToLower(strings.TrimSpace(tick.Token))
	if token == "" || tick.Price <= 0 {
		return
	}
	ts := time.Now()
	if tick.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, tick.Timestamp); err == nil {
			ts = t
		}
	}
	if err := f.prices.SetPrice(ctx, token, tick.Price, ts); err != nil {
		f.logger.Warn("price ws cache write failed",
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
	}
}

func (f *PriceWSFeed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close stops the feed.
func (f *PriceWSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
