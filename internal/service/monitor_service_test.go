package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/exec"
)

const monitorWallet = "0x00000000000000000000000000000000000000aa"

type monitorPositionStore struct {
	mu           sync.Mutex
	open         []domain.Position
	priceUpdates map[string]float64
}

func newMonitorPositionStore(open ...domain.Position) *monitorPositionStore {
	return &monitorPositionStore{open: open, priceUpdates: make(map[string]float64)}
}

func (s *monitorPositionStore) Create(_ context.Context, _ domain.Position) error { return nil }
func (s *monitorPositionStore) GetByID(_ context.Context, _ string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *monitorPositionStore) FetchByStatus(_ context.Context, status domain.PositionStatus, wallet string) ([]domain.Position, error) {
	if status != domain.PositionStatusOpen || wallet != monitorWallet {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, len(s.open))
	copy(out, s.open)
	return out, nil
}
func (s *monitorPositionStore) MarkWaiting(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}
func (s *monitorPositionStore) TouchLiquidityCheck(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}
func (s *monitorPositionStore) UpdatePrice(_ context.Context, id, _ string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceUpdates[id] = price
	return nil
}
func (s *monitorPositionStore) UpdateAmount(_ context.Context, _, _ string, _ float64) error {
	return nil
}
func (s *monitorPositionStore) Close(_ context.Context, _, _ string, _ float64, _, _ string) error {
	return nil
}

type staticPrices struct {
	prices map[string]float64
}

func (c *staticPrices) SetPrice(_ context.Context, _ string, _ float64, _ time.Time) error {
	return nil
}
func (c *staticPrices) GetPrice(_ context.Context, token string) (float64, time.Time, error) {
	p, ok := c.prices[token]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}
func (c *staticPrices) GetPrices(_ context.Context, tokens []string) (map[string]float64, error) {
	out := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		if p, ok := c.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

type captureBus struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *captureBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	return nil
}
func (b *captureBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

type noopAudit struct{}

func (noopAudit) Log(_ context.Context, _ string, _ map[string]any) error { return nil }

type captureCoordinator struct {
	mu      sync.Mutex
	reasons map[string]string
	outcome exec.ExitOutcome
	err     error
}

func (c *captureCoordinator) ExecuteExit(_ context.Context, pos domain.Position, _ string, reason string) (exec.ExitOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reasons == nil {
		c.reasons = make(map[string]string)
	}
	c.reasons[pos.ID] = reason
	return c.outcome, c.err
}

func openPosition(id, token string, entry float64, tp, sl *float64) domain.Position {
	return domain.Position{
		ID:         id,
		Token:      token,
		Symbol:     "MEME",
		Wallet:     monitorWallet,
		Status:     domain.PositionStatusOpen,
		EntryPrice: entry,
		Amount:     1000,
		TakeProfit: tp,
		StopLoss:   sl,
	}
}

func pct(v float64) *float64 { return &v }

func newMonitor(store *monitorPositionStore, prices *staticPrices, bus *captureBus, coord *captureCoordinator) *MonitorService {
	svc := NewPositionService(store, prices, bus, noopAudit{}, slog.New(slog.DiscardHandler))
	return NewMonitorService(svc, coord, monitorWallet, time.Minute, slog.New(slog.DiscardHandler))
}

func TestSweepFiresTakeProfitExit(t *testing.T) {
	store := newMonitorPositionStore(
		openPosition("pos-tp", "0xaaa", 1.0, pct(1.5), pct(0.8)),
	)
	prices := &staticPrices{prices: map[string]float64{"0xaaa": 1.6}}
	bus := &captureBus{}
	coord := &captureCoordinator{outcome: exec.ExitOutcome{Result: exec.ExitClosed, TxHash: "0xsell", ExitPrice: 1.6}}

	m := newMonitor(store, prices, bus, coord)
	m.sweep(context.Background())

	assert.Equal(t, "take_profit", coord.reasons["pos-tp"])
	require.Len(t, bus.payloads, 1)

	var evt map[string]any
	require.NoError(t, json.Unmarshal(bus.payloads[0], &evt))
	assert.Equal(t, "position_exit", evt["event"])
	assert.Equal(t, string(exec.ExitClosed), evt["result"])
	assert.Equal(t, "0xsell", evt["tx_hash"])
}

func TestSweepFiresStopLossExit(t *testing.T) {
	store := newMonitorPositionStore(
		openPosition("pos-sl", "0xbbb", 1.0, pct(1.5), pct(0.8)),
	)
	prices := &staticPrices{prices: map[string]float64{"0xbbb": 0.7}}
	bus := &captureBus{}
	coord := &captureCoordinator{outcome: exec.ExitOutcome{Result: exec.ExitClosed}}

	m := newMonitor(store, prices, bus, coord)
	m.sweep(context.Background())

	assert.Equal(t, "stop_loss", coord.reasons["pos-sl"])
}

func TestSweepSkipsPositionsInsideTheirLevels(t *testing.T) {
	store := newMonitorPositionStore(
		openPosition("pos-hold", "0xccc", 1.0, pct(1.5), pct(0.8)),
		openPosition("pos-nolevels", "0xddd", 1.0, nil, nil),
	)
	prices := &staticPrices{prices: map[string]float64{"0xccc": 1.2, "0xddd": 99.0}}
	bus := &captureBus{}
	coord := &captureCoordinator{}

	m := newMonitor(store, prices, bus, coord)
	m.sweep(context.Background())

	assert.Empty(t, coord.reasons)
	assert.Empty(t, bus.payloads)
}

func TestSweepLockBusyDoesNotPublish(t *testing.T) {
	store := newMonitorPositionStore(
		openPosition("pos-busy", "0xeee", 1.0, pct(1.5), nil),
	)
	prices := &staticPrices{prices: map[string]float64{"0xeee": 2.0}}
	bus := &captureBus{}
	coord := &captureCoordinator{err: domain.ErrLockBusy}

	m := newMonitor(store, prices, bus, coord)
	m.sweep(context.Background())

	assert.Equal(t, "take_profit", coord.reasons["pos-busy"])
	assert.Empty(t, bus.payloads, "a skipped exit must not announce anything")
}

func TestSweepRefreshesPricesBeforeTriggerCheck(t *testing.T) {
	store := newMonitorPositionStore(
		openPosition("pos-a", "0xaaa", 1.0, nil, nil),
		openPosition("pos-b", "0xbbb", 2.0, nil, nil),
	)
	// No price for 0xbbb: it is skipped, never failed.
	prices := &staticPrices{prices: map[string]float64{"0xaaa": 1.25}}
	bus := &captureBus{}
	coord := &captureCoordinator{}

	m := newMonitor(store, prices, bus, coord)
	m.sweep(context.Background())

	assert.Equal(t, map[string]float64{"pos-a": 1.25}, store.priceUpdates)
}

func TestCheckTriggersRecomputesPnLFromCachedPrice(t *testing.T) {
	store := newMonitorPositionStore(
		openPosition("pos-pnl", "0xfff", 1.0, pct(1.5), nil),
	)
	prices := &staticPrices{prices: map[string]float64{"0xfff": 2.0}}
	svc := NewPositionService(store, prices, &captureBus{}, noopAudit{}, slog.New(slog.DiscardHandler))

	triggered, err := svc.CheckTriggers(context.Background(), monitorWallet)
	require.NoError(t, err)
	require.Len(t, triggered, 1)

	assert.Equal(t, TriggerTakeProfit, triggered[0].Reason)
	assert.Equal(t, 2.0, triggered[0].Position.CurrentPrice)
	assert.InDelta(t, 100.0, triggered[0].Position.PnLPercent, 1e-9)
}

var (
	_ domain.PositionStore = (*monitorPositionStore)(nil)
	_ domain.PriceCache    = (*staticPrices)(nil)
	_ domain.SignalBus     = (*captureBus)(nil)
	_ domain.AuditStore    = (noopAudit{})
	_ ExitCoordinator      = (*captureCoordinator)(nil)
)
