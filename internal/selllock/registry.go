// Package selllock serializes sell attempts per token. The hazard it guards
// against is two execution paths submitting two sell transactions for the
// same token balance, whether triggered manually, by the auto-exit sweep, or
// by the recovery worker.
package selllock

import (
	"log/slog"
	"sync"
	"time"
)

// entry records who holds a token's lock and since when.
type entry struct {
	holder     string
	acquiredAt time.Time
}

// Registry is an in-memory mutual-exclusion table keyed by token address.
// It is deliberately process-local: a restart cannot have an in-flight sell
// surviving it, so the table carries nothing worth persisting.
type Registry struct {
	mu      sync.Mutex
	locks   map[string]entry
	maxHold time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates a lock registry. Locks held longer than maxHold are
// treated as abandoned and can be reclaimed by the next acquirer.
func NewRegistry(maxHold time.Duration, logger *slog.Logger) *Registry {
	if maxHold <= 0 {
		maxHold = 2 * time.Minute
	}
	return &Registry{
		locks:   make(map[string]entry),
		maxHold: maxHold,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "sell_lock")),
	}
}

// TryAcquire takes the lock for token without blocking. Callers that fail to
// acquire must retry on their own schedule, never wait here.
func (r *Registry) TryAcquire(token, holder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.locks[token]; ok {
		if r.now().Sub(cur.acquiredAt) < r.maxHold {
			return false
		}
		// Stale holder, likely crashed mid-attempt. Reclaim so one stuck
		// token cannot wedge exits forever.
		r.logger.Warn("reclaiming stale sell lock",
			slog.String("token", token),
			slog.String("stale_holder", cur.holder),
			slog.Duration("held_for", r.now().Sub(cur.acquiredAt)))
	}

	r.locks[token] = entry{holder: holder, acquiredAt: r.now()}
	return true
}

// Release frees the lock for token. Releasing an unheld token is a no-op.
func (r *Registry) Release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, token)
}

// IsLocked reports whether token currently has a live, non-stale holder.
func (r *Registry) IsLocked(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.locks[token]
	if !ok {
		return false
	}
	return r.now().Sub(cur.acquiredAt) < r.maxHold
}

// Holder returns the current holder tag, if any.
func (r *Registry) Holder(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.locks[token]
	if !ok {
		return "", false
	}
	return cur.holder, true
}
