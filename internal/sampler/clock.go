package sampler

import "time"

// Clock is an interface that wraps the time-based methods we need
type Clock interface {
	Now() time.Time
}

// realClock is a Clock that uses the actual system time
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}
