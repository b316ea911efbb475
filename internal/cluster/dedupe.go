package cluster

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// dedupeSet remembers recently seen event ids so at-least-once bus delivery
// becomes idempotent re-emission. Bounded by count and age.
type dedupeSet struct {
	mu      sync.Mutex
	ids     map[string]time.Time
	order   []string
	maxSize int
	maxAge  time.Duration
	clock   clockwork.Clock
}

func newDedupeSet(maxSize int, clock clockwork.Clock) *dedupeSet {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &dedupeSet{
		ids:     make(map[string]time.Time),
		maxSize: maxSize,
		maxAge:  5 * time.Minute,
		clock:   clock,
	}
}

// SeenOrAdd reports whether the id was already seen, recording it if not.
func (d *dedupeSet) SeenOrAdd(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	at, tracked := d.ids[id]
	if tracked && now.Sub(at) <= d.maxAge {
		return true
	}

	d.ids[id] = now
	if tracked {
		// Expired id seen again: move it to the back of the eviction order
		// rather than appending a duplicate entry.
		for i, v := range d.order {
			if v == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.order = append(d.order, id)

	// Evict oldest entries past the cap.
	for len(d.ids) > d.maxSize && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.ids, oldest)
	}
	return false
}

// Len returns the tracked id count.
func (d *dedupeSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}
