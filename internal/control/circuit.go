package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is a minimal per-error-class breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
	probing     bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant. Once the
// cooldown has elapsed a single trial is admitted; everyone else is refused
// until that trial is recorded.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(c.openedAt) < c.Cooldown {
			return false
		}
		c.state = CircuitHalfOpen
	}
	if c.probing {
		return false
	}
	c.probing = true
	return true
}

// RecordSuccess updates state after a successful trial/operation and
// reports whether the breaker was not closed before.
func (c *CircuitBreaker) RecordSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	recovered := c.state != CircuitClosed
	c.state = CircuitClosed
	c.probing = false
	c.openedClass = ""
	c.failures = map[string]int{}
	return recovered
}

// RecordFailure updates state after an error in the given class and reports
// whether this failure opened the breaker.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	c.probing = false
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
		return true
	}
	if c.state == CircuitOpen {
		return false
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
		return true
	}
	return false
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
