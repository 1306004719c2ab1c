package consumer

import (
	"sync"
	"time"
)

const (
	defaultDedupTTL = 5 * time.Minute
	defaultDedupCap = 5000
)

// Dedup suppresses re-delivered logs by their (block, tx, logIndex) key within
// a time-to-live window. Entries are capped; when the map is full, expired and
// then oldest entries are evicted. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time
	ttl  time.Duration
	cap  int
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given window and capacity. Non-positive
// arguments fall back to 5 minutes / 5000 entries.
func NewDedup(ttl time.Duration, capacity int) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	if capacity <= 0 {
		capacity = defaultDedupCap
	}
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		cap:  capacity,
	}
}

// Seen returns true if key was recorded within the TTL window. Otherwise the
// key is recorded and false is returned.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	if len(d.seen) >= d.cap {
		d.evict(now)
	}
	d.seen[key] = now
	return false
}

// evict drops expired entries, then the oldest entries until under capacity.
// Caller holds the lock.
func (d *Dedup) evict(now time.Time) {
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
	for len(d.seen) >= d.cap {
		var (
			oldestKey string
			oldestTS  time.Time
		)
		for k, ts := range d.seen {
			if oldestKey == "" || ts.Before(oldestTS) {
				oldestKey, oldestTS = k, ts
			}
		}
		delete(d.seen, oldestKey)
	}
}

// Len returns the number of live entries.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
