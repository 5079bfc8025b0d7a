package core

import "time"

// Timer is a pending callback created by a Scheduler.
type Timer interface {
	// Stop prevents the callback from running.
	// It returns false if the callback already ran or was stopped.
	Stop() bool
}

// Scheduler creates timers. Components never call time.AfterFunc directly
// so that the session can serialize timer callbacks with inbound events
// and tests can drive time by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// SystemScheduler runs callbacks on their own goroutine using the wall clock.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (SystemScheduler) Now() time.Time {
	return time.Now()
}
