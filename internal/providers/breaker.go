package providers

import (
	"sync"
	"time"
)

// Breaker is a generic sliding-window circuit breaker shared by the
// provider router and (parameterized per tool name) the LLM tool
// executor.
type Breaker struct {
	mu            sync.Mutex
	window        time.Duration
	threshold     int
	cooldown      time.Duration
	failures      []time.Time
	openUntil     time.Time
	lastErrorAt   time.Time
	lastSuccessAt time.Time
}

// NewBreaker constructs a Breaker that opens after threshold failures
// within window, staying open for cooldown.
func NewBreaker(window time.Duration, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{window: window, threshold: threshold, cooldown: cooldown}
}

// Open reports whether the breaker is currently tripped.
func (b *Breaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && now.Before(b.openUntil)
}

// RecordFailure appends a failure at now, pruning entries outside the
// window, and opens the breaker exactly at the failure that causes the
// window count to reach threshold. Returns true the instant the breaker
// transitions from closed to open.
func (b *Breaker) RecordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := !b.openUntil.IsZero() && now.Before(b.openUntil)
	b.lastErrorAt = now

	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
		return !wasOpen
	}
	return false
}

// RecordSuccess closes the breaker immediately.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSuccessAt = now
	b.failures = nil
	b.openUntil = time.Time{}
}

// LastErrorAt returns the most recent failure timestamp, used by the
// router's least-recently-failed fallback.
func (b *Breaker) LastErrorAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErrorAt
}
