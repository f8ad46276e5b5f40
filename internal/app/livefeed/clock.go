package livefeed

import "time"

// Clock supplies wall-clock time to the scheduler. Tests substitute a fake.
type Clock interface {
	Now() time.Time
	// WaitUntil returns a channel that receives once the clock reaches at.
	WaitUntil(at time.Time) <-chan time.Time
}

type systemClock struct{}

// SystemClock returns the clock backed by the host's wall time.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) WaitUntil(at time.Time) <-chan time.Time {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return time.After(d)
}
