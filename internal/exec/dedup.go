package exec

import (
	"sync"
	"time"
)

// Dedup suppresses duplicate entries. A signal is a duplicate when its ID was
// already processed within the TTL window, or when the same token was bought
// within that window regardless of signal ID. The second rule guards against
// a scoring gate that re-emits a token under fresh IDs after a restart.
// Safe for concurrent use.
type Dedup struct {
	mu     sync.Mutex
	ids    map[string]time.Time
	tokens map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewDedup creates a Dedup with the given TTL window.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		ids:    make(map[string]time.Time),
		tokens: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

// IsDuplicate reports whether the signal should be dropped. A fresh signal is
// recorded under both its ID and its token.
func (d *Dedup) IsDuplicate(signalID, token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seen, ok := d.ids[signalID]; ok && now.Sub(seen) < d.ttl {
		return true
	}
	if seen, ok := d.tokens[token]; ok && now.Sub(seen) < d.ttl {
		return true
	}

	d.ids[signalID] = now
	d.tokens[token] = now
	return false
}

// Cleanup drops expired entries. Called periodically by the entry executor
// to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.ids {
		if now.Sub(ts) >= d.ttl {
			delete(d.ids, id)
		}
	}
	for token, ts := range d.tokens {
		if now.Sub(ts) >= d.ttl {
			delete(d.tokens, token)
		}
	}
}
