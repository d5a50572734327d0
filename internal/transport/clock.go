package transport

import "time"

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running if it has not started.
	Stop() bool
}

// Clock schedules callbacks. Callbacks run on their own goroutine.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
