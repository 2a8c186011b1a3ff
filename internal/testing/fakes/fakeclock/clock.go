// Package fakeclock provides a controllable Clock for tests.
package fakeclock

import (
	"sync"
	"time"

	"github.com/acolita/hiburn/internal/ports"
)

// Clock is a fake clock. Time moves only through Advance, Set, or the
// optional per-call step.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// New creates a fake clock at initial.
func New(initial time.Time) *Clock {
	return &Clock{current: initial}
}

// NewStepping creates a fake clock that moves forward by step on every
// Now call, so polling loops with deadlines terminate.
func NewStepping(initial time.Time, step time.Duration) *Clock {
	return &Clock{current: initial, step: step}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	now := c.current
	step := c.step
	c.mu.Unlock()
	if step > 0 {
		c.Advance(step)
	}
	return now
}

// Sleep advances the clock by d instead of blocking.
func (c *Clock) Sleep(d time.Duration) {
	c.Advance(d)
}

// After returns a channel that fires once the clock passes d from now.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.current.Add(d)
	if !c.current.Before(deadline) {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// NewTicker returns a ticker driven by Tick.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	return &Ticker{clock: c, interval: d, ch: make(chan time.Time, 1)}
}

// Advance moves the clock forward by d and fires expired waiters.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	now := c.current

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if now.Before(w.deadline) {
			remaining = append(remaining, w)
			continue
		}
		select {
		case w.ch <- now:
		default:
		}
	}
	c.waiters = remaining
}

// Set sets the clock to t without firing waiters.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Ticker is a fake ticker.
type Ticker struct {
	clock    *Clock
	interval time.Duration
	ch       chan time.Time
	mu       sync.Mutex
	stopped  bool
}

// C implements ports.Ticker.
func (t *Ticker) C() <-chan time.Time {
	return t.ch
}

// Stop implements ports.Ticker.
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Tick delivers one tick unless the ticker is stopped.
func (t *Ticker) Tick() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	select {
	case t.ch <- t.clock.Now():
	default:
	}
}

var _ ports.Clock = (*Clock)(nil)
