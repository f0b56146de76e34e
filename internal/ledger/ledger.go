// Package ledger provides thread-safe in-memory liveness tracking of cluster
// members, keyed by hostname.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// LivenessLedger records when each member was last heard from.
type LivenessLedger struct {
	mu       sync.RWMutex
	clock    clock.Clock
	lastSeen map[string]time.Time
}

// NewLivenessLedger creates an empty ledger reading time from clk.
func NewLivenessLedger(clk clock.Clock) *LivenessLedger {
	if clk == nil {
		clk = clock.New()
	}
	return &LivenessLedger{
		clock:    clk,
		lastSeen: make(map[string]time.Time),
	}
}

// Touch records a liveness signal from key at the current time.
func (l *LivenessLedger) Touch(key string) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen[key] = now
}

// LastSeen returns the last liveness signal of key.
func (l *LivenessLedger) LastSeen(key string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.lastSeen[key]
	return t, ok
}

// Expired reports whether key has been silent for longer than maxAge. An
// entry that was never seen counts as expired.
func (l *LivenessLedger) Expired(key string, maxAge time.Duration) bool {
	t, ok := l.LastSeen(key)
	if !ok {
		return true
	}
	return l.clock.Since(t) > maxAge
}

// Forget removes key from the ledger.
func (l *LivenessLedger) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastSeen, key)
}

// CleanExpired removes every key silent for longer than maxAge and
// returns them in sorted order.
func (l *LivenessLedger) CleanExpired(maxAge time.Duration) []string {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []string
	for key, t := range l.lastSeen {
		if now.Sub(t) > maxAge {
			delete(l.lastSeen, key)
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}
