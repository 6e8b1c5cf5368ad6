package pipeline

import "sync"

// DefaultBlacklistThreshold is the failure count after which an identifier
// is permanently skipped until explicitly cleared.
const DefaultBlacklistThreshold = 5

// Blacklist counts failures per identifier (asset or user) and gates whether
// an item is attempted at all. Explicitly constructed and injected; scope is
// the process lifetime, so failures before a restart are forgiven.
type Blacklist struct {
	mu        sync.Mutex
	counters  map[string]int
	threshold int
}

func NewBlacklist(threshold int) *Blacklist {
	if threshold <= 0 {
		threshold = DefaultBlacklistThreshold
	}
	return &Blacklist{counters: make(map[string]int), threshold: threshold}
}

// RecordFailedAttempt increments the identifier's counter, saturating at the
// threshold, and returns the updated count.
func (b *Blacklist) RecordFailedAttempt(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counters[id] < b.threshold {
		b.counters[id]++
	}
	return b.counters[id]
}

// Blacklist force-sets the identifier to the threshold. Used for failures
// that retrying cannot fix, such as decryption errors.
func (b *Blacklist) Blacklist(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[id] = b.threshold
}

// IsBlacklisted reports whether the identifier has reached the threshold.
func (b *Blacklist) IsBlacklisted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters[id] >= b.threshold
}

// Remove clears the identifier's counter. Called on success.
func (b *Blacklist) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counters, id)
}

// Threshold returns the configured saturation threshold.
func (b *Blacklist) Threshold() int {
	return b.threshold
}
