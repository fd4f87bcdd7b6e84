package timetable

import (
	"time"

	"github.com/untis-hub/untis-sync-hub/pkg/timeutil"
)

// DateRange is a normalized snapshot range. Start and End are inclusive
// bounds: either day bounds (00:00:00 to 23:59:59.999) or ISO week bounds
// (Monday 00:00:00 to Sunday 23:59:59.999).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// weekSpanDays is the minimum requested span that snaps the range to the
// enclosing ISO week instead of plain day bounds.
const weekSpanDays = 5

// NormalizeRange converts a requested range into the canonical form used as
// a snapshot key:
//
//   - nil start and end default to the current ISO week around now;
//   - a span of at least five days snaps both ends to the enclosing ISO
//     week (Monday 00:00:00 through Sunday 23:59:59.999);
//   - shorter spans snap to day bounds of start and end.
//
// Normalization is idempotent: feeding a normalized range back in returns
// the same range.
func NormalizeRange(start, end *time.Time, now time.Time) DateRange {
	if start == nil || end == nil {
		return DateRange{
			Start: timeutil.StartOfISOWeek(now),
			End:   timeutil.EndOfISOWeek(now),
		}
	}

	s, e := *start, *end
	if e.Before(s) {
		s, e = e, s
	}

	// Inclusive day count: Tuesday to Thursday spans 3 days and stays
	// day-bounded, Monday to Friday spans 5 and becomes the full week.
	span := int(timeutil.StartOfDay(e).Sub(timeutil.StartOfDay(s)).Hours()/24) + 1
	if span >= weekSpanDays {
		return DateRange{
			Start: timeutil.StartOfISOWeek(s),
			End:   timeutil.EndOfISOWeek(e),
		}
	}

	return DateRange{
		Start: timeutil.StartOfDay(s),
		End:   timeutil.EndOfDay(e),
	}
}

// WeekRange returns the normalized range of the ISO week containing t.
func WeekRange(t time.Time) DateRange {
	return DateRange{
		Start: timeutil.StartOfISOWeek(t),
		End:   timeutil.EndOfISOWeek(t),
	}
}

// PreviousWeek returns the normalized range one week before r.
func (r DateRange) PreviousWeek() DateRange {
	return WeekRange(r.Start.AddDate(0, 0, -7))
}

// NextWeek returns the normalized range one week after r.
func (r DateRange) NextWeek() DateRange {
	return WeekRange(r.Start.AddDate(0, 0, 7))
}

// StartDateInt returns the range start in YYYYMMDD encoding.
func (r DateRange) StartDateInt() int {
	return timeutil.DateInt(r.Start)
}

// EndDateInt returns the range end in YYYYMMDD encoding.
func (r DateRange) EndDateInt() int {
	return timeutil.DateInt(r.End)
}

// Pointers returns the bounds as pointers for snapshot persistence.
func (r DateRange) Pointers() (*time.Time, *time.Time) {
	s, e := r.Start, r.End
	return &s, &e
}

// Equal reports whether two normalized ranges are identical.
func (r DateRange) Equal(other DateRange) bool {
	return r.Start.Equal(other.Start) && r.End.Equal(other.End)
}
