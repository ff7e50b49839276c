// Package clock abstracts wall-clock access so timer-driven loops such as the
// babysit rebalancer can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by resvd components.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock on top of the time package.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep pauses the calling goroutine for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Ensure returns c, or Real when c is nil.
func Ensure(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Since reports the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return Ensure(c).Now().Sub(t)
}
