package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// sweepEvery is the number of recorded messages between expiry sweeps.
const sweepEvery = 256

// Dedup remembers recently seen one-way messages by blake3 hash, so a
// receipt batch forwarded by several controllers is handled once.
type Dedup struct {
	ttl time.Duration

	mu      sync.Mutex
	expires map[[32]byte]time.Time // expires maps message hash to the end of its window
	inserts int                    // inserts counts records since the last sweep
}

// NewDedup creates a tracker that forgets a message ttl after first seeing it.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		ttl:     ttl,
		expires: make(map[[32]byte]time.Time),
	}
}

// Check reports whether data is new and records it if so.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if until, ok := d.expires[hash]; ok && now.Before(until) {
		return false
	}

	d.expires[hash] = now.Add(d.ttl)

	if d.inserts++; d.inserts >= sweepEvery {
		d.sweep(now)
	}

	return true
}

// Len returns the number of remembered messages, expired ones included
// until the next sweep.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.expires)
}

// sweep drops expired entries. Callers hold mu.
func (d *Dedup) sweep(now time.Time) {
	for hash, until := range d.expires {
		if !now.Before(until) {
			delete(d.expires, hash)
		}
	}

	d.inserts = 0
}
