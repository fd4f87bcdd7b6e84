// Package timeutil provides date/time helpers for the Untis wire encodings.
// The upstream API transports dates as YYYYMMDD integers and clock times as
// HHMM integers; everything in the sync engine speaks these encodings.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// DateInt encodes a time as a YYYYMMDD integer in its own location.
func DateInt(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// TimeInt encodes a clock time as an HHMM integer in its own location.
func TimeInt(t time.Time) int {
	return t.Hour()*100 + t.Minute()
}

// FromDateInt converts a YYYYMMDD integer to midnight of that day in loc.
func FromDateInt(date int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	year := date / 10000
	month := (date / 100) % 100
	day := date % 100
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}

// CombineDateTime converts a YYYYMMDD date and HHMM clock time to a time in loc.
func CombineDateTime(date, clock int, loc *time.Location) time.Time {
	day := FromDateInt(date, loc)
	return day.Add(time.Duration(clock/100)*time.Hour + time.Duration(clock%100)*time.Minute)
}

// MinutesOfDay converts an HHMM integer to minutes since midnight.
// 0830 becomes 510. Invalid minute parts are not validated here.
func MinutesOfDay(clock int) int {
	return (clock/100)*60 + clock%100
}

// GapMinutes returns the gap in minutes between the end of one HHMM time
// and the start of another on the same day. Negative means overlap.
func GapMinutes(end, nextStart int) int {
	return MinutesOfDay(nextStart) - MinutesOfDay(end)
}

// Overlaps reports whether the half-open intervals [aStart,aEnd) and
// [bStart,bEnd) in HHMM encoding intersect.
func Overlaps(aStart, aEnd, bStart, bEnd int) bool {
	return MinutesOfDay(aStart) < MinutesOfDay(bEnd) && MinutesOfDay(bStart) < MinutesOfDay(aEnd)
}

// StartOfDay returns 00:00:00 of t's day, keeping its location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// EndOfDay returns 23:59:59.999 of t's day, keeping its location.
// Millisecond resolution matches what the snapshot store persists.
func EndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999000000, t.Location())
}

// StartOfISOWeek returns Monday 00:00:00 of t's ISO week.
func StartOfISOWeek(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return StartOfDay(t.AddDate(0, 0, -(weekday - 1)))
}

// EndOfISOWeek returns Sunday 23:59:59.999 of t's ISO week.
func EndOfISOWeek(t time.Time) time.Time {
	return EndOfDay(StartOfISOWeek(t).AddDate(0, 0, 6))
}

// SameDay reports whether two times fall on the same calendar day
// in the first time's location.
func SameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// DaysBetweenDateInts returns the absolute number of days between two
// YYYYMMDD dates.
func DaysBetweenDateInts(a, b int) int {
	ta := FromDateInt(a, time.UTC)
	tb := FromDateInt(b, time.UTC)
	days := int(tb.Sub(ta).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// Common formats used in logs and API responses.
const (
	// FormatDate is the standard date format (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatTime is the standard clock format (HH:MM).
	FormatTime = "15:04"
	// FormatDateTime is the standard datetime format.
	FormatDateTime = "2006-01-02 15:04"
)

// FormatClock renders an HHMM integer as "HH:MM".
func FormatClock(clock int) string {
	return fmt.Sprintf("%02d:%02d", clock/100, clock%100)
}

// FormatDateInt renders a YYYYMMDD integer as "YYYY-MM-DD".
func FormatDateInt(date int) string {
	return fmt.Sprintf("%04d-%02d-%02d", date/10000, (date/100)%100, date%100)
}

// ParseDate parses a "YYYY-MM-DD" string in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(FormatDate, value, loc)
}
