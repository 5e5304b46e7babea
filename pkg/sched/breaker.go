package sched

import (
	"sync"
	"time"

	"github.com/visionflow/visionflow/pkg/config"
)

// BreakerState represents the state of a node circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // short-circuiting to fallback
	BreakerHalfOpen                     // one probe invocation allowed
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// breaker isolates a repeatedly failing node. After FailureThreshold
// consecutive failures inside the sliding window the breaker opens and
// the node's edges short-circuit to the configured fallback until the
// cooldown elapses, after which a single probe invocation may reset it.
type breaker struct {
	mu sync.Mutex

	cfg config.BreakerConfig

	state        BreakerState
	consecutive  int
	windowStart  time.Time
	openedAt     time.Time
	probeInFlight bool
}

func newBreaker(cfg config.BreakerConfig) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	return &breaker{cfg: cfg}
}

// allow reports whether an invocation may proceed now.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		// Only one probe at a time.
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return true
}

// recordSuccess resets the breaker after a successful invocation.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.consecutive = 0
	b.probeInFlight = false
}

// recordFailure counts a failure and opens the breaker once the
// consecutive-failure threshold is reached within the window.
func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		// Failed probe: reopen immediately.
		b.state = BreakerOpen
		b.openedAt = now
		b.probeInFlight = false
		return
	}

	if b.consecutive == 0 || now.Sub(b.windowStart) > b.cfg.Window {
		b.windowStart = now
		b.consecutive = 0
	}
	b.consecutive++

	if b.consecutive >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = now
	}
}

// current returns the breaker state.
func (b *breaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
