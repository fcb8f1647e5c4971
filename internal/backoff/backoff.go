// Package backoff produces randomized exponential wait sequences for
// bounded-attempt retry loops, grounded on the original_source
// rustlib/src/backoff.rs design: the first wait is always zero, and each
// following wait is drawn uniformly from [prev/2, prev] with prev doubling
// (saturating at max) every attempt.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Schedule configures a backoff sequence.
type Schedule struct {
	Base time.Duration
	Max  time.Duration
}

// Background is the default schedule used by long-running reconnect loops:
// 1s base, 60s max.
var Background = Schedule{Base: time.Second, Max: 60 * time.Second}

// Iterator yields up to a fixed number of wait durations.
func (s Schedule) Iterator(attempts int) *Iterator {
	return &Iterator{schedule: s, attempts: attempts, clock: clockwork.NewRealClock()}
}

// IteratorWithClock is like Iterator but lets tests inject a fake clock
// (github.com/jonboulle/clockwork) instead of sleeping in real time.
func (s Schedule) IteratorWithClock(attempts int, clock clockwork.Clock) *Iterator {
	return &Iterator{schedule: s, attempts: attempts, clock: clock}
}

// Iterator is a single pass through a Schedule, bounded to a number of
// attempts. It is not safe for concurrent use.
type Iterator struct {
	schedule Schedule
	attempts int
	next     time.Duration
	clock    clockwork.Clock
}

// Next returns the next wait duration and true, or (0, false) once the
// attempt budget is exhausted.
func (it *Iterator) Next() (time.Duration, bool) {
	if it.attempts <= 0 {
		return 0, false
	}
	it.attempts--

	if it.next == 0 {
		it.next = it.schedule.Base
		return 0, true
	}

	current := it.next
	doubled := current * 2
	if doubled < current || doubled > it.schedule.Max {
		// overflow or saturation both clamp to Max
		doubled = it.schedule.Max
	}
	it.next = doubled

	lo := current / 2
	span := int64(current - lo)
	wait := lo
	if span > 0 {
		wait += time.Duration(rand.Int64N(span + 1))
	}
	return wait, true
}

// Remaining reports how many attempts are left, including the one Next
// would produce next.
func (it *Iterator) Remaining() int {
	return it.attempts
}

// Wait sleeps for the next duration, returning false without sleeping if
// the iterator is exhausted or ctx is cancelled first.
func (it *Iterator) Wait(ctx context.Context) bool {
	d, ok := it.Next()
	if !ok {
		return false
	}
	if d == 0 {
		return true
	}
	t := it.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}
