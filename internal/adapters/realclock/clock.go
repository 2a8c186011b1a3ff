// Package realclock implements ports.Clock with the time package. Transfer
// engines use it for handshake deadlines outside tests.
package realclock

import (
	"time"

	"github.com/acolita/hiburn/internal/ports"
)

// Clock is the wall clock.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

func (c *Clock) Now() time.Time { return time.Now() }

func (c *Clock) Sleep(d time.Duration) { time.Sleep(d) }

func (c *Clock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTicker returns a ticker backed by time.Ticker.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	return ticker{time.NewTicker(d)}
}

type ticker struct {
	t *time.Ticker
}

func (t ticker) C() <-chan time.Time { return t.t.C }

func (t ticker) Stop() { t.t.Stop() }

var _ ports.Clock = (*Clock)(nil)
