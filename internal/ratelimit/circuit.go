package ratelimit

import (
	"sync"
	"time"
)

// CircuitState is the state of a per-key circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// circuit tracks throttling and failures for one operation key.
//
// closed: calls flow. open: every acquisition waits until openUntil.
// half_open: up to probes calls are let through; a success closes the
// circuit, a throttle or failure reopens it.
type circuit struct {
	mu        sync.Mutex
	state     CircuitState
	openUntil time.Time
	failures  int
	inFlight  int

	cooldown  time.Duration
	threshold int
	probes    int
	now       func() time.Time
}

func newCircuit(cooldown time.Duration, threshold, probes int, now func() time.Time) *circuit {
	return &circuit{
		state:     CircuitClosed,
		cooldown:  cooldown,
		threshold: threshold,
		probes:    probes,
		now:       now,
	}
}

// admit returns 0 and reserves a probe slot when a call may proceed, or the
// duration to wait before asking again. The bool reports whether the
// admitted call is a half-open probe.
func (c *circuit) admit() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitOpen:
		now := c.now()
		if now.Before(c.openUntil) {
			return c.openUntil.Sub(now), false
		}
		c.state = CircuitHalfOpen
		c.inFlight = 0
		fallthrough
	case CircuitHalfOpen:
		if c.inFlight >= c.probes {
			return probePoll, false
		}
		c.inFlight++
		return 0, true
	default:
		return 0, false
	}
}

// isOpen reports whether acquisitions are currently held by a cooldown.
func (c *circuit) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == CircuitOpen && c.now().Before(c.openUntil)
}

// release frees a half-open probe slot.
func (c *circuit) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
}

// throttled opens the circuit for the longer of the cooldown and hint.
// Returns true when the circuit was not already open.
func (c *circuit) throttled(hint time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(hint)
}

func (c *circuit) openLocked(hint time.Duration) bool {
	wait := c.cooldown
	if hint > wait {
		wait = hint
	}
	until := c.now().Add(wait)
	wasOpen := c.state == CircuitOpen
	if !wasOpen || until.After(c.openUntil) {
		c.openUntil = until
	}
	c.state = CircuitOpen
	c.failures = 0
	c.inFlight = 0
	return !wasOpen
}

// failure counts a non-throttle failure; reaching the threshold, or any
// failure while half-open, opens the circuit. Returns true if it opened.
func (c *circuit) failure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == CircuitHalfOpen {
		return c.openLocked(0)
	}
	c.failures++
	if c.threshold > 0 && c.failures >= c.threshold {
		return c.openLocked(0)
	}
	return false
}

// success closes a half-open circuit and clears the failure count.
func (c *circuit) success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen {
		return
	}
	c.state = CircuitClosed
	c.failures = 0
	c.inFlight = 0
}

func (c *circuit) snapshot() (CircuitState, time.Time, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && !c.now().Before(c.openUntil) {
		return CircuitHalfOpen, c.openUntil, c.failures
	}
	return c.state, c.openUntil, c.failures
}
