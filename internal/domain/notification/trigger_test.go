package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

func statusLesson(id int64, start, end int, status timetable.LessonStatus) timetable.Lesson {
	l := lesson(id, start, end)
	l.Status = status
	return l
}

func TestCancelledGroups_SkipsEnded(t *testing.T) {
	// Reference time: Monday 2025-03-03 09:00 UTC.
	now := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

	lessons := []timetable.Lesson{
		statusLesson(1, 800, 845, timetable.StatusCancelled),  // already over
		statusLesson(2, 1000, 1045, timetable.StatusCancelled), // still ahead
		statusLesson(3, 1100, 1145, timetable.StatusRegular),
	}

	groups := CancelledGroups(lessons, now, time.UTC)

	assert.Len(t, groups, 1)
	assert.Equal(t, int64(2), groups[0].First().ID)
}

func TestCancelledGroups_GroupEndGoverns(t *testing.T) {
	// First lesson of the cancelled pair is over but the group runs until
	// 09:35, so the notification still fires.
	now := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

	lessons := []timetable.Lesson{
		statusLesson(1, 800, 845, timetable.StatusCancelled),
		statusLesson(2, 850, 935, timetable.StatusCancelled),
	}

	groups := CancelledGroups(lessons, now, time.UTC)

	assert.Len(t, groups, 1)
	assert.Len(t, groups[0].Lessons, 2)
}

func TestIrregularGroups(t *testing.T) {
	now := time.Date(2025, time.March, 3, 7, 0, 0, 0, time.UTC)

	lessons := []timetable.Lesson{
		statusLesson(1, 800, 845, timetable.StatusIrregular),
		statusLesson(2, 1000, 1045, timetable.StatusCancelled),
	}

	groups := IrregularGroups(lessons, now, time.UTC)

	assert.Len(t, groups, 1)
	assert.Equal(t, int64(1), groups[0].First().ID)
}

func TestUpcomingGroups_Window(t *testing.T) {
	loc := time.UTC
	// Lesson starts 10:00. Four minutes before, it is in the window.
	lessons := []timetable.Lesson{lesson(1, 1000, 1045)}

	inWindow := time.Date(2025, time.March, 3, 9, 56, 0, 0, loc)
	assert.Len(t, UpcomingGroups(lessons, inWindow, loc), 1)

	tooEarly := time.Date(2025, time.March, 3, 9, 50, 0, 0, loc)
	assert.Empty(t, UpcomingGroups(lessons, tooEarly, loc))

	tooLate := time.Date(2025, time.March, 3, 9, 58, 30, 0, loc)
	assert.Empty(t, UpcomingGroups(lessons, tooLate, loc))
}

func TestUpcomingGroups_SkipsCancelled(t *testing.T) {
	loc := time.UTC
	lessons := []timetable.Lesson{statusLesson(1, 1000, 1045, timetable.StatusCancelled)}

	now := time.Date(2025, time.March, 3, 9, 56, 0, 0, loc)
	assert.Empty(t, UpcomingGroups(lessons, now, loc))
}

func TestUpcomingExpiry(t *testing.T) {
	g := Group{Lessons: []timetable.Lesson{lesson(1, 1000, 1045)}}

	expiry := UpcomingExpiry(g, time.UTC)

	assert.Equal(t, time.Date(2025, time.March, 3, 10, 10, 0, 0, time.UTC), expiry)
}

func TestFilterScope(t *testing.T) {
	a := lesson(1, 800, 845)
	b := lesson(2, 800, 845)
	b.Date = 20250306

	filtered := FilterScope([]timetable.Lesson{a, b}, 20250303, 20250303)

	assert.Len(t, filtered, 1)
	assert.Equal(t, int64(1), filtered[0].ID)
}

func TestDiffLessons(t *testing.T) {
	prev := []timetable.Lesson{
		lesson(1, 800, 845),
		lesson(2, 900, 945),
		lesson(3, 1000, 1045),
	}

	fresh := []timetable.Lesson{
		prev[0],                                               // unchanged
		statusLesson(2, 900, 945, timetable.StatusCancelled),  // status change
		lesson(4, 1100, 1145),                                 // added
	}

	diff := DiffLessons(prev, fresh)

	assert.Equal(t, 1, diff.Added)
	assert.Equal(t, 1, diff.Removed) // the 10:00 slot vanished
	assert.Equal(t, 1, diff.StatusChanged)
	assert.Equal(t, 0, diff.DetailsChanged)
	assert.False(t, diff.Empty())
}

func TestDiffLessons_DetailChange(t *testing.T) {
	prev := []timetable.Lesson{lesson(1, 800, 845)}
	changed := lesson(1, 800, 845)
	changed.Rooms = []string{"B202"}

	diff := DiffLessons(prev, []timetable.Lesson{changed})

	assert.Equal(t, 1, diff.DetailsChanged)
}

func TestDiffLessons_OrderInsensitive(t *testing.T) {
	prev := []timetable.Lesson{lesson(1, 800, 845), lesson(2, 900, 945)}
	fresh := []timetable.Lesson{lesson(2, 900, 945), lesson(1, 800, 845)}

	assert.True(t, DiffLessons(prev, fresh).Empty())
}
