package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen message keys. Transports redeliver
// on reconnect; keying by channel+message id stops a redelivered message
// from starting a second agent turn. Expired entries are pruned lazily.
type DedupeCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	cap  int
}

func NewDedupeCache(ttl time.Duration, capacity int) *DedupeCache {
	return &DedupeCache{
		seen: make(map[string]time.Time, 256),
		ttl:  ttl,
		cap:  capacity,
	}
}

// IsDuplicate reports whether key was seen within the TTL window, and
// records it otherwise.
func (d *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()
	cutoff := now.Add(-d.ttl)

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[key]; ok && !ts.Before(cutoff) {
		return true
	}

	for k, ts := range d.seen {
		if ts.Before(cutoff) {
			delete(d.seen, k)
		}
	}
	// Still over capacity after pruning: drop arbitrary entries. Map
	// order is random, which is good enough here.
	if d.cap > 0 {
		for k := range d.seen {
			if len(d.seen) < d.cap {
				break
			}
			delete(d.seen, k)
		}
	}

	d.seen[key] = now
	return false
}
