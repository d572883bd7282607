package turn

import "time"

// Clock schedules silence timers. Tests substitute a fake to fire timers
// deterministically.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call created by [Clock.AfterFunc].
type Timer interface {
	Stop() bool
}

// RealClock is the [Clock] backed by the time package.
type RealClock struct{}

// AfterFunc implements [Clock].
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
