package clock

import "time"

// Clock is the time source for every transition that depends on "now":
// lazy overdue evaluation, dedupe windows, reminder cooldowns and sweeps.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
