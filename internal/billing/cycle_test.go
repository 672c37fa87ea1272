package billing

import (
	"testing"
	"time"

	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/stretchr/testify/assert"
)

func TestRollingCycle(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
	}{
		{"at creation", t0, t0},
		{"mid first cycle", t0.Add(days(12)), t0},
		{"last instant of first cycle", t0.Add(days(30) - time.Nanosecond), t0},
		{"start of second cycle", t0.Add(days(30)), t0.Add(days(30))},
		{"third cycle", t0.Add(days(75)), t0.Add(days(60))},
		{"before creation", t0.Add(-time.Hour), t0.Add(-days(30))},
		{"exactly one cycle before creation", t0.Add(-days(30)), t0.Add(-days(30))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := RollingCycle(t0, tt.now)
			assert.True(t, tt.wantStart.Equal(c.Start), "start: want %s, got %s", tt.wantStart, c.Start)
			assert.Equal(t, CycleLength, c.End.Sub(c.Start))
			assert.True(t, c.Contains(tt.now))
		})
	}
}

func TestRollingCycle_Deterministic(t *testing.T) {
	// Any two instants inside one window agree on the window.
	for offset := 0; offset < 120; offset += 7 {
		now1 := t0.Add(days(offset))
		c := RollingCycle(t0, now1)
		for _, now2 := range []time.Time{c.Start, c.Start.Add(days(15)), c.End.Add(-time.Second)} {
			assert.True(t, c.Equal(RollingCycle(t0, now2)), "offset %d, now2 %s", offset, now2)
		}
	}
}

func TestRollingCycle_IgnoresLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	a := RollingCycle(t0.In(loc), t0.Add(days(40)))
	b := RollingCycle(t0, t0.Add(days(40)).In(loc))
	assert.True(t, a.Equal(b))
}

func TestCycle_ContainsHalfOpen(t *testing.T) {
	c := Cycle{Start: t0, End: t0.Add(days(30))}

	assert.True(t, c.Contains(t0), "start is in-cycle")
	assert.False(t, c.Contains(t0.Add(days(30))), "end is exclusive")
	assert.False(t, c.Contains(t0.Add(-time.Nanosecond)))
}

func TestCycleFor_NoSubscription(t *testing.T) {
	now := t0.Add(days(45))
	assert.True(t, RollingCycle(t0, now).Equal(CycleFor(t0, NoSubscription(), now)))
}

func TestCycleFor_ReportedPeriodIsAuthoritative(t *testing.T) {
	start := t0.Add(days(3))
	end := start.AddDate(0, 1, 0)
	sub := &database.Subscription{PlanID: PlanPro, PeriodStart: &start, PeriodEnd: &end}

	c := CycleFor(t0, SomeSubscription(sub), start.Add(days(10)))
	assert.True(t, c.Start.Equal(start))
	assert.True(t, c.End.Equal(end))

	// now == start is inside the period.
	c = CycleFor(t0, SomeSubscription(sub), start)
	assert.True(t, c.Start.Equal(start))
}

func TestCycleFor_StalePeriodFallsBack(t *testing.T) {
	start := t0
	end := t0.Add(days(31))
	sub := &database.Subscription{PlanID: PlanPro, PeriodStart: &start, PeriodEnd: &end}

	now := end.Add(days(5))
	c := CycleFor(t0, SomeSubscription(sub), now)
	assert.True(t, RollingCycle(t0, now).Equal(c))
}

func TestCycleFor_MissingOrInvalidPeriod(t *testing.T) {
	now := t0.Add(days(10))
	start := t0.Add(days(5))
	before := t0

	cases := map[string]*database.Subscription{
		"nil period":   {PlanID: PlanStarter},
		"only start":   {PlanID: PlanStarter, PeriodStart: &start},
		"end <= start": {PlanID: PlanStarter, PeriodStart: &start, PeriodEnd: &before},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, RollingCycle(t0, now).Equal(CycleFor(t0, SomeSubscription(sub), now)))
		})
	}
}

func TestOptionalSubscription(t *testing.T) {
	none := NoSubscription()
	_, ok := none.Get()
	assert.False(t, ok)
	assert.Equal(t, PlanFree, none.PlanID())

	nilRow := SomeSubscription(nil)
	_, ok = nilRow.Get()
	assert.False(t, ok)

	some := SomeSubscription(&database.Subscription{PlanID: PlanPro})
	row, ok := some.Get()
	assert.True(t, ok)
	assert.Equal(t, PlanPro, row.PlanID)
	assert.Equal(t, PlanPro, some.PlanID())
}
