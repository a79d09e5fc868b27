// Package ticks provides the monotonic time base for a measurement run.
//
// All arithmetic on tick values must go through Diff. The runtime exposes
// a nanosecond monotonic clock, so Diff is plain subtraction. CoarseDiff
// holds the modular arithmetic for a wrapping 30-bit millisecond counter;
// Diff never switches to it. Raw tick values must never be compared
// directly.
package ticks

import "time"

// PerSecond is the number of ticks in one second for the active clock.
const PerSecond int64 = int64(time.Second)

// Coarse-clock constants, for a counter that wraps every 2^29 ms.
const (
	coarsePeriod     = int64(1) << 29
	coarseMask       = coarsePeriod - 1
	coarseHalfPeriod = coarsePeriod / 2
)

var base = time.Now()

// Now returns the current monotonic tick count. The zero point is
// arbitrary; only differences carry meaning.
func Now() int64 {
	return int64(time.Since(base))
}

// Diff returns the signed tick difference a-b.
func Diff(a, b int64) int64 {
	return a - b
}

// CoarseDiff computes the signed difference between two values of a
// wrapping 30-bit millisecond counter. The result is valid whenever the
// true interval is less than 2^28 ticks.
func CoarseDiff(a, b int64) int64 {
	d := (a - b) & coarseMask
	return ((d + coarseHalfPeriod) & coarseMask) - coarseHalfPeriod
}
