package upstream

import (
	"sync"
	"time"
)

// BreakerState represents the provider circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Provider healthy
	StateOpen     BreakerState = "open"      // Provider skipped
	StateHalfOpen BreakerState = "half_open" // Probing recovery
)

// Breaker tracks consecutive failures for one provider and opens after a
// threshold, skipping the provider until a cooldown elapses.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastTripped time.Time
}

// NewBreaker creates a breaker tripping after threshold consecutive
// failures, re-probing after cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call to the provider may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastTripped) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
	}
	return true
}

// RecordSuccess resets the breaker after a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
}

// RecordFailure counts a failure; the breaker opens at the threshold or
// immediately when a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
		b.lastTripped = time.Now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
