// Package clock abstracts wall-clock time so expiry and quota bucketing
// can be tested deterministically.
package clock

import "time"

// Clock supplies the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// System reads the real clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed is a manually advanced clock for tests.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }
