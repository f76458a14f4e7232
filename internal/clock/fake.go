package clock

import "time"

// FakeClock is a manually driven Clock for tests. It reports a fixed
// UTC instant and only moves when told to, so time-driven transitions
// stay deterministic.
type FakeClock struct {
	current time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start.UTC()}
}

func (f *FakeClock) Now() time.Time {
	return f.current
}

// Advance moves the clock forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.current = f.current.Add(d)
}
