package feed

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mveldt/tokensniper/internal/domain"
)

type fakeBus struct {
	ch chan []byte
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return b.ch, nil
}

func TestSignalFeederDecodesAndForwards(t *testing.T) {
	bus := &fakeBus{ch: make(chan []byte, 4)}
	feeder := NewSignalFeeder(bus, "entry_signals", slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feeder.Run(ctx)

	bus.ch <- []byte(`{"id":"sig-1","token":"0xAbC","amount_base":0.25,"source":"gate","expires_at":"2026-09-01T12:00:00Z"}`)

	select {
	case sig := <-feeder.Signals():
		assert.Equal(t, "sig-1", sig.ID)
		assert.Equal(t, "0xabc", sig.Token)
		assert.Equal(t, 0.25, sig.AmountBase)
		assert.Equal(t, "gate", sig.Source)
		assert.Equal(t, time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC), sig.ExpiresAt)
	case <-time.After(time.Second):
		t.Fatal("no signal forwarded")
	}
}

func TestSignalFeederDropsMalformedPayloads(t *testing.T) {
	bus := &fakeBus{ch: make(chan []byte, 4)}
	feeder := NewSignalFeeder(bus, "entry_signals", slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feeder.Run(ctx)

	bus.ch <- []byte(`{not json`)
	bus.ch <- []byte(`{"id":"sig-2","token":"0xdef","amount_base":0.1}`)

	select {
	case sig := <-feeder.Signals():
		require.Equal(t, "sig-2", sig.ID)
	case <-time.After(time.Second):
		t.Fatal("valid signal after malformed one was not forwarded")
	}
}

func TestSignalFeederClosesOutputWhenBusCloses(t *testing.T) {
	bus := &fakeBus{ch: make(chan []byte)}
	feeder := NewSignalFeeder(bus, "entry_signals", slog.New(slog.DiscardHandler))

	done := make(chan error, 1)
	go func() { done <- feeder.Run(context.Background()) }()
	close(bus.ch)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("feeder did not stop")
	}
	_, ok := <-feeder.Signals()
	assert.False(t, ok)
}

var _ domain.SignalBus = (*fakeBus)(nil)
