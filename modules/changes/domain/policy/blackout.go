package policy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// BlackoutWindow is a client-scoped or global time range during which
// scheduling is disallowed. Read-only input to the conflict detector.
type BlackoutWindow struct {
	TenantID uuid.UUID  `json:"tenant_id"`
	ID       uuid.UUID  `json:"id"`
	Name     string     `json:"name"`
	ClientID *uuid.UUID `json:"client_id,omitempty"`

	StartsAt   time.Time  `json:"starts_at"`
	EndsAt     time.Time  `json:"ends_at"`
	Recurrence Recurrence `json:"recurrence"`

	Rules  json.RawMessage `json:"rules,omitempty"`
	Active bool            `json:"active"`

	CreatedAt time.Time `json:"created_at"`
}

// Overlaps reports whether any occurrence of the window intersects
// [start, end) using the half-open interval test.
func (w *BlackoutWindow) Overlaps(start, end time.Time) bool {
	if !w.Active || !end.After(start) || !w.EndsAt.After(w.StartsAt) {
		return false
	}
	switch w.Recurrence {
	case RecurrenceWeekly:
		return w.overlapsRecurring(start, end, func(base time.Time, n int) time.Time {
			return base.AddDate(0, 0, 7*n)
		})
	case RecurrenceMonthly:
		return w.overlapsRecurring(start, end, func(base time.Time, n int) time.Time {
			return base.AddDate(0, n, 0)
		})
	default:
		return overlaps(w.StartsAt, w.EndsAt, start, end)
	}
}

// overlapsRecurring walks occurrences of the base window forward from the
// first candidate that could reach the queried range. step must be strictly
// monotonic in n.
func (w *BlackoutWindow) overlapsRecurring(start, end time.Time, step func(time.Time, int) time.Time) bool {
	if end.Before(w.StartsAt) || end.Equal(w.StartsAt) {
		return false
	}
	n := 0
	// Fast-forward past occurrences that end before the queried range.
	for step(w.EndsAt, n).Before(start) || step(w.EndsAt, n).Equal(start) {
		n++
	}
	for {
		occStart := step(w.StartsAt, n)
		occEnd := step(w.EndsAt, n)
		if !occStart.Before(end) {
			return false
		}
		if overlaps(occStart, occEnd, start, end) {
			return true
		}
		n++
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
