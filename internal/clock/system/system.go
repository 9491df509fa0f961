// Package system provides the wall-clock implementation of clock.Clock.
package system

import (
	"time"

	"github.com/JakeFAU/conversion-progress/internal/clock"
)

// Clock implements clock.Clock on top of the time package.
type Clock struct{}

var _ clock.Clock = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs f on its own goroutine once d has elapsed.
func (Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return time.AfterFunc(d, f)
}
