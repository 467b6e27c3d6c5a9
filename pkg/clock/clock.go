package clock

import (
	"time"
)

// Clock is an interface around the standard library time functions
// used by deadline waits. It has been added to aid unit testing:
// tests can control exactly when a timer fires relative to ownership
// handoffs.
type Clock interface {
	// Return the current time of day. Equivalent to time.Now().
	Now() time.Time

	// Create a channel that publishes the time of day at a point of
	// time in the future. Unlike time.NewTimer(), this function
	// returns the channel directly to allow Timer to be an
	// interface.
	NewTimer(d time.Duration) (Timer, <-chan time.Time)
}

// Timer is an interface around time.Timer. It has been added to aid
// unit testing.
type Timer interface {
	Stop() bool
}
