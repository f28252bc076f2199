package retrieval

import (
	"sync"
	"time"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// breaker is a failure-counting circuit breaker around the vector index RPC.
// Five consecutive failures open it for thirty seconds.
type breaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
	now       func() time.Time
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().After(b.openUntil)
}

func (b *breaker) success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= breakerThreshold {
		b.openUntil = b.now().Add(breakerCooldown)
		b.failures = 0
	}
}
