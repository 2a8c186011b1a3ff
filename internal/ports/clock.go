// Package ports defines the interfaces hiburn uses to reach the host: time,
// files, dialogs and SSH. Real adapters live under internal/adapters and
// test fakes under internal/testing/fakes.
package ports

import "time"

// Clock abstracts time operations for testing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses execution for the specified duration.
	Sleep(d time.Duration)

	// After returns a channel that receives the current time after duration d.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering the time every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker wraps time.Ticker for testing.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}
