package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mveldt/tokensniper/internal/domain"
	"github.com/mveldt/tokensniper/internal/exec"
	"github.com/mveldt/tokensniper/internal/selllock"
)

const (
	testBase   = "0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c"
	testWallet = "0x9999999999999999999999999999999999999999"
)

type fetchStore struct {
	mu      sync.Mutex
	waiting []domain.Position
	touched []string
	fetches int
}

func (f *fetchStore) Create(_ context.Context, _ domain.Position) error { return nil }
func (f *fetchStore) GetByID(_ context.Context, _ string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fetchStore) FetchByStatus(_ context.Context, status domain.PositionStatus, wallet string) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if status != domain.PositionStatusWaiting || wallet != testWallet {
		return nil, nil
	}
	out := make([]domain.Position, len(f.waiting))
	copy(out, f.waiting)
	return out, nil
}
func (f *fetchStore) MarkWaiting(_ context.Context, _, _ string, _ time.Time) error { return nil }
func (f *fetchStore) TouchLiquidityCheck(_ context.Context, id, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}
func (f *fetchStore) UpdatePrice(_ context.Context, _, _ string, _ float64) error  { return nil }
func (f *fetchStore) UpdateAmount(_ context.Context, _, _ string, _ float64) error { return nil }
func (f *fetchStore) Close(_ context.Context, _, _ string, _ float64, _, _ string) error {
	return nil
}

// batchRoutes records which tokens were rechecked, in call order, and how
// many rechecks ran concurrently.
type batchRoutes struct {
	mu        sync.Mutex
	order     []string
	inFlight  int
	maxParall int
	err       error
}

func (b *batchRoutes) Resolve(_ context.Context, req domain.QuoteRequest) (domain.RouteQuote, error) {
	b.mu.Lock()
	b.order = append(b.order, req.TokenIn)
	b.inFlight++
	if b.inFlight > b.maxParall {
		b.maxParall = b.inFlight
	}
	b.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	b.mu.Lock()
	b.inFlight--
	b.mu.Unlock()

	if b.err != nil {
		return domain.RouteQuote{}, b.err
	}
	return domain.RouteQuote{Venue: "pancake"}, nil
}

func (b *batchRoutes) Build(_ context.Context, _ domain.RouteQuote, _ string) (domain.UnsignedTx, error) {
	return domain.UnsignedTx{}, nil
}

type recordingExecutor struct {
	mu    sync.Mutex
	seen  []string
	err   error
	locks exec.SellLocks
}

func (r *recordingExecutor) ExecuteExitLocked(_ context.Context, pos domain.Position, _ string) (exec.ExitOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks != nil && !r.locks.IsLocked(pos.Token) {
		return exec.ExitOutcome{}, errors.New("executor invoked without the sell lock held")
	}
	r.seen = append(r.seen, pos.ID)
	if r.err != nil {
		return exec.ExitOutcome{}, r.err
	}
	return exec.ExitOutcome{Result: exec.ExitClosed}, nil
}

func waitingPositions(n int) []domain.Position {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]domain.Position, 0, n)
	for i := 0; i < n; i++ {
		since := base.Add(time.Duration(i) * time.Minute)
		out = append(out, domain.Position{
			ID:           fmt.Sprintf("pos-%d", i+1),
			Token:        fmt.Sprintf("0x%040d", i+1),
			Symbol:       fmt.Sprintf("T%d", i+1),
			Decimals:     6,
			Wallet:       testWallet,
			Amount:       1000,
			Status:       domain.PositionStatusWaiting,
			WaitingSince: &since,
		})
	}
	return out
}

func newLocks() *selllock.Registry {
	return selllock.NewRegistry(time.Minute, slog.New(slog.DiscardHandler))
}

func newWorker(store *fetchStore, routes exec.RouteService, executor ExitExecutor, locks exec.SellLocks, interval time.Duration) *Worker {
	return NewWorker(store, routes, executor, locks,
		testWallet, testBase, 300,
		interval, 3, 10*time.Millisecond,
		slog.New(slog.DiscardHandler))
}

func TestRunOnceBatchesOldestFirst(t *testing.T) {
	store := &fetchStore{waiting: waitingPositions(7)}
	routes := &batchRoutes{err: &domain.NoRouteError{Reasons: map[string]error{"pancake": domain.ErrNoRoute}}}
	locks := newLocks()
	w := newWorker(store, routes, &recordingExecutor{locks: locks}, locks, time.Minute)

	w.RunOnce(context.Background(), nil)

	require.Len(t, routes.order, 7)
	// Batches of 3 in waiting_since order, concurrent within a batch.
	batchOf := func(from, to int) map[string]bool {
		m := make(map[string]bool)
		for i := from; i <= to; i++ {
			m[fmt.Sprintf("0x%040d", i)] = true
		}
		return m
	}
	for i, tok := range routes.order[:3] {
		assert.True(t, batchOf(1, 3)[tok], "call %d (%s) outside first batch", i, tok)
	}
	for i, tok := range routes.order[3:6] {
		assert.True(t, batchOf(4, 6)[tok], "call %d (%s) outside second batch", i+3, tok)
	}
	assert.Equal(t, fmt.Sprintf("0x%040d", 7), routes.order[6])
	assert.LessOrEqual(t, routes.maxParall, 3, "batch size bounds concurrency")

	// Still no route: every persisted position got its check touched.
	assert.Len(t, store.touched, 7)
}

func TestRunOnceHandsOffWhenRouteReturns(t *testing.T) {
	store := &fetchStore{waiting: waitingPositions(2)}
	routes := &batchRoutes{}
	locks := newLocks()
	executor := &recordingExecutor{locks: locks}
	w := newWorker(store, routes, executor, locks, time.Minute)

	w.RunOnce(context.Background(), nil)

	assert.ElementsMatch(t, []string{"pos-1", "pos-2"}, executor.seen)
	assert.Empty(t, store.touched, "a found route must not count as a failed check")
	for _, p := range store.waiting {
		assert.False(t, locks.IsLocked(p.Token), "locks must be released after hand-off")
	}
}

func TestRunOnceSkipsLockedTokens(t *testing.T) {
	store := &fetchStore{waiting: waitingPositions(2)}
	routes := &batchRoutes{}
	locks := newLocks()
	executor := &recordingExecutor{locks: locks}
	w := newWorker(store, routes, executor, locks, time.Minute)

	require.True(t, locks.TryAcquire(store.waiting[0].Token, "manual"))

	w.RunOnce(context.Background(), nil)

	assert.Equal(t, []string{"pos-2"}, executor.seen)
	holder, ok := locks.Holder(store.waiting[0].Token)
	require.True(t, ok)
	assert.Equal(t, "manual", holder)
}

func TestRunOnceIsolatesPerPositionFailures(t *testing.T) {
	store := &fetchStore{waiting: waitingPositions(3)}
	routes := &batchRoutes{}
	locks := newLocks()
	executor := &recordingExecutor{locks: locks, err: errors.New("signer exploded")}
	w := newWorker(store, routes, executor, locks, time.Minute)

	w.RunOnce(context.Background(), nil)

	assert.Len(t, executor.seen, 3, "one failure must not abort the batch")
	for _, p := range store.waiting {
		assert.False(t, locks.IsLocked(p.Token))
	}
}

func TestRunOnceSkipsWalletScanStoreWrites(t *testing.T) {
	store := &fetchStore{waiting: waitingPositions(1)}
	store.waiting[0].ID = "" // wallet-balance scan, no durable row
	routes := &batchRoutes{err: &domain.NoRouteError{Reasons: map[string]error{"pancake": domain.ErrNoRoute}}}
	locks := newLocks()
	w := newWorker(store, routes, &recordingExecutor{locks: locks}, locks, time.Minute)

	w.RunOnce(context.Background(), nil)

	assert.Empty(t, store.touched)
}

func TestStartStopIdempotent(t *testing.T) {
	store := &fetchStore{}
	routes := &batchRoutes{}
	locks := newLocks()
	w := newWorker(store, routes, &recordingExecutor{locks: locks}, locks, 5*time.Millisecond)

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx) // no-op

	time.Sleep(20 * time.Millisecond)

	w.Stop()
	w.Stop() // no-op

	store.mu.Lock()
	fetches := store.fetches
	store.mu.Unlock()
	assert.Greater(t, fetches, 0, "the loop must have ticked at least once")

	// Restart works after a stop.
	w.Start(ctx)
	w.Stop()
}

func TestStopWaitsForInFlightSweep(t *testing.T) {
	store := &fetchStore{waiting: waitingPositions(3)}
	routes := &batchRoutes{err: &domain.NoRouteError{Reasons: map[string]error{"pancake": domain.ErrNoRoute}}}
	locks := newLocks()
	w := newWorker(store, routes, &recordingExecutor{locks: locks}, locks, 5*time.Millisecond)

	w.Start(context.Background())
	time.Sleep(10 * time.Millisecond) // let a sweep begin
	w.Stop()

	// After Stop returns, nothing is still mutating and no locks linger.
	for _, p := range store.waiting {
		assert.False(t, locks.IsLocked(p.Token))
	}
	store.mu.Lock()
	touchedAfterStop := len(store.touched)
	store.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	assert.Equal(t, touchedAfterStop, len(store.touched), "no work may continue after Stop returns")
	store.mu.Unlock()
}
