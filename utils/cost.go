package utils

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Cost is the wall time spent by one timed operation.
type Cost struct {
	Begin time.Time
	End   time.Time
}

// Duration is End - Begin.
func (c Cost) Duration() time.Duration {
	return c.End.Sub(c.Begin)
}

// FPS is the number of operations of this cost that fit in one second. Zero for an empty cost.
func (c Cost) FPS() float64 {
	d := c.Duration()
	if d <= 0 {
		return 0
	}
	return float64(time.Second) / float64(d)
}

// Stopwatch times operations against an injected clock.
type Stopwatch struct {
	clock clock.Clock
}

// NewStopwatch returns a stopwatch on clk, or on the real clock when clk is nil.
func NewStopwatch(clk clock.Clock) Stopwatch {
	if clk == nil {
		clk = clock.New()
	}
	return Stopwatch{clock: clk}
}

// Clock is the clock the stopwatch reads.
func (sw Stopwatch) Clock() clock.Clock {
	return sw.clock
}

// Start returns a function that, when called, yields the Cost since Start.
func (sw Stopwatch) Start() func() Cost {
	begin := sw.clock.Now()
	return func() Cost {
		return Cost{Begin: begin, End: sw.clock.Now()}
	}
}

// Time runs f and returns its cost along with its error.
func (sw Stopwatch) Time(f func() error) (Cost, error) {
	done := sw.Start()
	err := f()
	return done(), err
}
