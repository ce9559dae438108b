package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func window(recurrence Recurrence, start, end time.Time) *BlackoutWindow {
	return &BlackoutWindow{
		Name:       "freeze",
		Active:     true,
		StartsAt:   start,
		EndsAt:     end,
		Recurrence: recurrence,
	}
}

func TestBlackoutWindow_OverlapsOneOff(t *testing.T) {
	start := time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC)
	end := time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC)
	w := window(RecurrenceNone, start, end)

	assert.True(t, w.Overlaps(start.Add(24*time.Hour), start.Add(26*time.Hour)))
	assert.True(t, w.Overlaps(start.Add(-time.Hour), start.Add(time.Hour)))
	assert.False(t, w.Overlaps(end, end.Add(time.Hour)))
	assert.False(t, w.Overlaps(start.Add(-2*time.Hour), start))

	inactive := *w
	inactive.Active = false
	assert.False(t, inactive.Overlaps(start, end))
}

func TestBlackoutWindow_OverlapsWeekly(t *testing.T) {
	// Every Saturday 00:00 to Monday 00:00, anchored in the past.
	start := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) // a Saturday
	w := window(RecurrenceWeekly, start, start.Add(48*time.Hour))

	someSaturday := time.Date(2026, 9, 5, 10, 0, 0, 0, time.UTC)
	assert.True(t, w.Overlaps(someSaturday, someSaturday.Add(2*time.Hour)))

	someWednesday := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	assert.False(t, w.Overlaps(someWednesday, someWednesday.Add(2*time.Hour)))

	// Before the first occurrence nothing is blocked.
	assert.False(t, w.Overlaps(start.AddDate(0, 0, -7), start.AddDate(0, 0, -6)))
}

func TestBlackoutWindow_OverlapsMonthly(t *testing.T) {
	// First three days of every month.
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := window(RecurrenceMonthly, start, start.AddDate(0, 0, 3))

	inFreeze := time.Date(2026, 7, 2, 12, 0, 0, 0, time.UTC)
	assert.True(t, w.Overlaps(inFreeze, inFreeze.Add(4*time.Hour)))

	midMonth := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	assert.False(t, w.Overlaps(midMonth, midMonth.Add(4*time.Hour)))

	// A query spanning a month boundary touches the next occurrence.
	boundary := time.Date(2026, 7, 31, 22, 0, 0, 0, time.UTC)
	assert.True(t, w.Overlaps(boundary, boundary.Add(6*time.Hour)))
}

func TestBlackoutWindow_InvalidShapes(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	w := window(RecurrenceNone, start, start) // zero-length window
	assert.False(t, w.Overlaps(start.Add(-time.Hour), start.Add(time.Hour)))

	w = window(RecurrenceNone, start, start.Add(time.Hour))
	assert.False(t, w.Overlaps(start, start)) // zero-length query
}
