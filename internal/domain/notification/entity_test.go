package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

func TestIntentValidate(t *testing.T) {
	valid := Intent{UserID: "u1", Type: TypeCancelledLesson, Title: "Cancelled"}
	assert.NoError(t, valid.Validate())

	noUser := valid
	noUser.UserID = ""
	assert.ErrorIs(t, noUser.Validate(), ErrMissingUser)

	badType := valid
	badType.Type = "mystery"
	assert.ErrorIs(t, badType.Validate(), ErrInvalidType)

	empty := valid
	empty.Title = ""
	assert.ErrorIs(t, empty.Validate(), ErrEmptyContent)
}

func TestLessonGroupKey_StableForSameGroup(t *testing.T) {
	g := Group{Lessons: []timetable.Lesson{
		{ID: 1, Date: 20250303, StartTime: 800, EndTime: 845, Subject: "Math"},
		{ID: 2, Date: 20250303, StartTime: 850, EndTime: 935, Subject: "Math"},
	}}

	key := LessonGroupKey(TypeCancelledLesson, g)

	assert.Equal(t, "cancelled_lesson:20250303:0800-0935:Math", key)
	assert.Equal(t, key, LessonGroupKey(TypeCancelledLesson, g))
}

func TestAccessRequestKey_BucketsThrottleRetries(t *testing.T) {
	base := time.Date(2025, time.March, 3, 10, 0, 30, 0, time.UTC)

	first := AccessRequestKey("u1", "please", base)
	retry := AccessRequestKey("u1", "please", base.Add(90*time.Second))
	later := AccessRequestKey("u1", "please", base.Add(10*time.Minute))

	assert.Equal(t, first, retry)
	assert.NotEqual(t, first, later)
}

func TestAccessRequestKey_ContentChangesKey(t *testing.T) {
	now := time.Date(2025, time.March, 3, 10, 0, 30, 0, time.UTC)

	assert.NotEqual(t,
		AccessRequestKey("u1", "please", now),
		AccessRequestKey("u1", "urgent", now),
	)
}

func TestAbsenceKey_ExcusedFlagPartOfKey(t *testing.T) {
	assert.NotEqual(t,
		AbsenceKey(TypeAbsenceChange, 42, true, "sick"),
		AbsenceKey(TypeAbsenceChange, 42, false, "sick"),
	)
}

func TestAbsenceKey_ReasonPartOfKey(t *testing.T) {
	// Two successive reason edits on the same record must each get a
	// fresh key, or the second edit is suppressed forever.
	doctor := AbsenceKey(TypeAbsenceChange, 42, false, "doctor")
	dentist := AbsenceKey(TypeAbsenceChange, 42, false, "dentist")

	assert.NotEqual(t, doctor, dentist)
	assert.Equal(t, doctor, AbsenceKey(TypeAbsenceChange, 42, false, "doctor"))
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&Record{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&Record{ExpiresAt: &future}).Expired(now))
	assert.False(t, (&Record{}).Expired(now))
}
