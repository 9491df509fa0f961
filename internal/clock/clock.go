// Package clock defines the time source used by the progress client so
// timers can be driven deterministically in tests.
package clock

import "time"

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Clock supplies the current time and one-shot callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}
