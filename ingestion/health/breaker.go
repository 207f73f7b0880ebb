package health

import (
	"time"
)

// BreakerState mirrors the classic three-state model.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerHalfOpen                     // one probe admitted
	BreakerOpen                         // intake short-circuited
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// breaker is the per-collector failure-counting gate. Not safe for concurrent
// use on its own; the owning sourceState serializes access.
type breaker struct {
	state       BreakerState
	threshold   int // consecutive hard failures that open the breaker
	consecutive int
	openUntil   time.Time
	coolDown    time.Duration // current cool-down, doubles on failed probe
	baseCool    time.Duration
	coolCap     time.Duration
	probeInFlight bool
	lastFailure time.Time
}

func newBreaker(threshold int, coolDown, coolCap time.Duration) *breaker {
	return &breaker{
		state:     BreakerClosed,
		threshold: threshold,
		coolDown:  coolDown,
		baseCool:  coolDown,
		coolCap:   coolCap,
	}
}

// allow reports whether a new acquisition may proceed. When the breaker is
// open it returns the open-until time as a wait hint. After the cool-down
// elapses exactly one half-open probe is admitted; further callers wait until
// the probe resolves.
func (b *breaker) allow(now time.Time) (bool, time.Time) {
	switch b.state {
	case BreakerClosed:
		return true, time.Time{}
	case BreakerOpen:
		if now.Before(b.openUntil) {
			return false, b.openUntil
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return true, time.Time{}
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false, b.openUntil
		}
		b.probeInFlight = true
		return true, time.Time{}
	}
	return false, b.openUntil
}

// onSuccess resets the consecutive counter. A successful half-open probe
// closes the breaker and restores the base cool-down.
func (b *breaker) onSuccess() {
	b.consecutive = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.coolDown = b.baseCool
		b.probeInFlight = false
	}
}

// onHardFailure counts a consecutive hard failure. The breaker opens on the
// Nth failure, not the (N-1)th. A failed half-open probe reopens with a
// doubled cool-down, capped.
func (b *breaker) onHardFailure(now time.Time) {
	b.lastFailure = now
	if b.state == BreakerHalfOpen {
		b.coolDown *= 2
		if b.coolDown > b.coolCap {
			b.coolDown = b.coolCap
		}
		b.open(now)
		return
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.open(now)
	}
}

// onSoftFailure breaks the consecutive hard-failure run without opening.
func (b *breaker) onSoftFailure(now time.Time) {
	b.lastFailure = now
	b.consecutive = 0
}

func (b *breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.openUntil = now.Add(b.coolDown)
	b.probeInFlight = false
}

// forceOpen is the operator override.
func (b *breaker) forceOpen(now time.Time) {
	b.consecutive = b.threshold
	b.open(now)
}

// forceClose is the operator override.
func (b *breaker) forceClose() {
	b.state = BreakerClosed
	b.consecutive = 0
	b.coolDown = b.baseCool
	b.probeInFlight = false
}

// decay reduces the accumulated failure count by one after a quiet period
// with no failures. Called from the registry's background ticker.
func (b *breaker) decay(now time.Time, quiet time.Duration) {
	if b.consecutive > 0 && now.Sub(b.lastFailure) > quiet {
		b.consecutive--
	}
}
