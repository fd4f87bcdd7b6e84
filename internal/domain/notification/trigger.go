package notification

import (
	"fmt"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS TRIGGERS
// ══════════════════════════════════════════════════════════════════════════════

// Upcoming-lesson reminders fire when a lesson starts between three and five
// minutes from now. The window is wider than the check interval so a 60s
// loop cannot step over it.
const (
	upcomingWindowMin = 3 * time.Minute
	upcomingWindowMax = 5 * time.Minute

	// upcomingExpiry is how long after the lesson's start an unread
	// reminder stays around before it is pruned.
	upcomingExpiry = 10 * time.Minute
)

// CancelledGroups returns the notification groups of cancelled lessons that
// have not fully ended yet. Groups whose last lesson is already over are of
// no use to the user and are skipped.
func CancelledGroups(lessons []timetable.Lesson, now time.Time, loc *time.Location) []Group {
	return statusGroups(lessons, timetable.StatusCancelled, now, loc)
}

// IrregularGroups returns the notification groups of irregular lessons that
// have not fully ended yet.
func IrregularGroups(lessons []timetable.Lesson, now time.Time, loc *time.Location) []Group {
	return statusGroups(lessons, timetable.StatusIrregular, now, loc)
}

func statusGroups(lessons []timetable.Lesson, status timetable.LessonStatus, now time.Time, loc *time.Location) []Group {
	var matching []timetable.Lesson
	for _, l := range lessons {
		if l.Status == status {
			matching = append(matching, l)
		}
	}

	var out []Group
	for _, g := range GroupLessons(matching) {
		last := g.Last()
		if last.Ended(now, loc) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// UpcomingGroups returns the groups whose first lesson starts three to five
// minutes from now in the user's local timezone. Cancelled lessons never
// produce reminders.
func UpcomingGroups(lessons []timetable.Lesson, now time.Time, loc *time.Location) []Group {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	var candidates []timetable.Lesson
	for _, l := range lessons {
		if l.Status != timetable.StatusCancelled {
			candidates = append(candidates, l)
		}
	}

	var out []Group
	for _, g := range GroupLessons(candidates) {
		first := g.First()
		start := timeutil.CombineDateTime(first.Date, first.StartTime, loc)
		until := start.Sub(local)
		if until >= upcomingWindowMin && until <= upcomingWindowMax {
			out = append(out, g)
		}
	}
	return out
}

// UpcomingExpiry returns when an upcoming-lesson reminder should expire:
// shortly after the lesson has started.
func UpcomingExpiry(g Group, loc *time.Location) time.Time {
	first := g.First()
	return timeutil.CombineDateTime(first.Date, first.StartTime, loc).Add(upcomingExpiry)
}

// FilterScope keeps only lessons within [fromDate, toDate] in YYYYMMDD
// encoding. Triggers use it to apply the user's day/week notification scope.
func FilterScope(lessons []timetable.Lesson, fromDate, toDate int) []timetable.Lesson {
	var out []timetable.Lesson
	for _, l := range lessons {
		if l.Date >= fromDate && l.Date <= toDate {
			out = append(out, l)
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMETABLE DIFF
// ══════════════════════════════════════════════════════════════════════════════

// TimetableDiff summarizes what changed between two refreshes of the same
// range. Lessons are keyed by (date, start time) slot; the comparison is
// insensitive to the order either snapshot stores them in.
type TimetableDiff struct {
	Added          int
	Removed        int
	StatusChanged  int
	DetailsChanged int // teacher, room or subject differs within a slot
}

// Empty reports whether nothing changed.
func (d TimetableDiff) Empty() bool {
	return d.Added == 0 && d.Removed == 0 && d.StatusChanged == 0 && d.DetailsChanged == 0
}

// Summary renders a short human-readable change description.
func (d TimetableDiff) Summary() string {
	return fmt.Sprintf("%d added, %d removed, %d status changes, %d detail changes",
		d.Added, d.Removed, d.StatusChanged, d.DetailsChanged)
}

// DiffLessons compares a previous and a fresh lesson payload.
func DiffLessons(previous, fresh []timetable.Lesson) TimetableDiff {
	type slot struct{ date, start int }

	prev := make(map[slot]timetable.Lesson, len(previous))
	for _, l := range previous {
		prev[slot{l.Date, l.StartTime}] = l
	}

	var diff TimetableDiff
	seen := make(map[slot]bool, len(fresh))
	for _, l := range fresh {
		key := slot{l.Date, l.StartTime}
		seen[key] = true
		old, ok := prev[key]
		if !ok {
			diff.Added++
			continue
		}
		switch {
		case old.Status != l.Status:
			diff.StatusChanged++
		case old.Subject != l.Subject || !sameNameSet(old.Teachers, l.Teachers) || !sameNameSet(old.Rooms, l.Rooms):
			diff.DetailsChanged++
		}
	}

	for key := range prev {
		if !seen[key] {
			diff.Removed++
		}
	}

	return diff
}
