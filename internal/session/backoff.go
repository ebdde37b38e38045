package session

import (
	"sync"
	"time"
)

// Backoff computes reconnect delays per session: min(base*2^attempts, cap).
type Backoff struct {
	base time.Duration
	ceil time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

func NewBackoff(base, ceil time.Duration) *Backoff {
	if base <= 0 {
		base = 5 * time.Second
	}
	if ceil < base {
		ceil = base
	}
	return &Backoff{base: base, ceil: ceil, attempts: make(map[string]int)}
}

// NextDelay returns the delay for the next attempt and counts it.
func (b *Backoff) NextDelay(id string) time.Duration {
	b.mu.Lock()
	n := b.attempts[id]
	b.attempts[id] = n + 1
	b.mu.Unlock()

	if n >= 30 {
		return b.ceil
	}
	d := b.base << uint(n) //nolint:gosec // n is bounded above
	if d <= 0 || d > b.ceil {
		return b.ceil
	}
	return d
}

// Reset clears the attempt counter once a connection opens.
func (b *Backoff) Reset(id string) {
	b.mu.Lock()
	delete(b.attempts, id)
	b.mu.Unlock()
}

func (b *Backoff) Attempts(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[id]
}
