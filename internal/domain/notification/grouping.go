package notification

import (
	"sort"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/pkg/timeutil"
)

// maxMergeGapMinutes is the largest break between two lessons that still
// merges them into one notification group. Back-to-back periods with the
// usual five-minute break read as one block to the user.
const maxMergeGapMinutes = 5

// Group is a maximal run of consecutive, attribute-compatible lessons
// treated as one notification unit. Lessons are ordered by start time.
type Group struct {
	Lessons []timetable.Lesson
}

// First returns the earliest lesson of the group.
func (g Group) First() timetable.Lesson {
	return g.Lessons[0]
}

// Last returns the latest lesson of the group.
func (g Group) Last() timetable.Lesson {
	return g.Lessons[len(g.Lessons)-1]
}

// Span returns the group's start and end times in HHMM encoding.
func (g Group) Span() (start, end int) {
	return g.First().StartTime, g.Last().EndTime
}

// Mergeable reports whether b can join a group ending with a: equal subject,
// teacher set, room set, status and date, and b starting no more than five
// minutes after a ends. Overlap (zero or negative gap) also merges.
func Mergeable(a, b timetable.Lesson) bool {
	if a.Subject != b.Subject || a.Status != b.Status || a.Date != b.Date {
		return false
	}
	if !sameNameSet(a.Teachers, b.Teachers) || !sameNameSet(a.Rooms, b.Rooms) {
		return false
	}
	return timeutil.GapMinutes(a.EndTime, b.StartTime) <= maxMergeGapMinutes
}

// GroupLessons merges eligible lessons into notification groups. The input
// is sorted by (date, start time) first, so the result is a pure function of
// the lesson multiset: permuting the input does not change the groups.
func GroupLessons(lessons []timetable.Lesson) []Group {
	if len(lessons) == 0 {
		return nil
	}

	sorted := make([]timetable.Lesson, len(lessons))
	copy(sorted, lessons)
	timetable.SortLessons(sorted)

	groups := []Group{{Lessons: []timetable.Lesson{sorted[0]}}}
	for _, l := range sorted[1:] {
		current := &groups[len(groups)-1]
		if Mergeable(current.Last(), l) {
			current.Lessons = append(current.Lessons, l)
			continue
		}
		groups = append(groups, Group{Lessons: []timetable.Lesson{l}})
	}

	return groups
}

// sameNameSet compares two name lists as sets, ignoring order and duplicates.
func sameNameSet(a, b []string) bool {
	as := sortedUnique(a)
	bs := sortedUnique(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedUnique(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
