package billing

import (
	"time"
)

// CycleLength is the rolling window used when no paid period applies.
const CycleLength = 30 * 24 * time.Hour

// Cycle is a half-open billing window [Start, End).
type Cycle struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the cycle.
func (c Cycle) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// Equal compares windows by instant, ignoring location.
func (c Cycle) Equal(other Cycle) bool {
	return c.Start.Equal(other.Start) && c.End.Equal(other.End)
}

// CycleFor returns the billing window containing now.
//
// A subscription whose processor-reported period contains now is authoritative.
// Otherwise the window is the 30-day rolling cycle anchored at createdAt.
func CycleFor(createdAt time.Time, sub OptionalSubscription, now time.Time) Cycle {
	if s, ok := sub.Get(); ok {
		if period, ok := ReportedPeriod(s); ok && period.Contains(now) {
			return period
		}
	}
	return RollingCycle(createdAt, now)
}

// RollingCycle computes the 30-day window anchored at createdAt that contains now.
// It depends only on its arguments.
func RollingCycle(createdAt, now time.Time) Cycle {
	createdAt = createdAt.UTC()
	elapsed := now.Sub(createdAt)

	index := elapsed / CycleLength
	if elapsed < 0 && elapsed%CycleLength != 0 {
		index-- // floor, not truncate
	}

	start := createdAt.Add(index * CycleLength)
	return Cycle{Start: start, End: start.Add(CycleLength)}
}
