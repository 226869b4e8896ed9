package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FuncClock adapts one time function into a Clock.
// Params: now callback.
// Returns: clock reading from the callback.
type FuncClock func() time.Time

// Now returns the callback time.
// Params: none.
// Returns: timestamp from the wrapped function.
func (f FuncClock) Now() time.Time {
	return f()
}
