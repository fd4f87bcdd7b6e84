package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

// Wednesday, week 2025-03-03 to 2025-03-09.
var testNow = time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

func testLessons() []timetable.Lesson {
	return []timetable.Lesson{
		{ID: 1, Date: 20250305, StartTime: 800, EndTime: 845, Subject: "Math", Status: timetable.StatusRegular},
		{ID: 2, Date: 20250305, StartTime: 850, EndTime: 935, Subject: "Physics", Status: timetable.StatusCancelled},
	}
}

type timetableFixture struct {
	svc      *TimetableService
	upstream *fakeUpstream
	snaps    *fakeSnapshotRepo
	records  *fakeRecordRepo
}

func newTimetableFixture(upstream *fakeUpstream) *timetableFixture {
	snaps := &fakeSnapshotRepo{}
	recordRepo := newFakeRecordRepo()
	sessions := NewSessionManager(testBox(), upstream)
	svc := NewTimetableService(snaps, recordRepo, sessions, upstream, nil, TimetableServiceConfig{
		CacheTTL:          5 * time.Minute,
		SnapshotMaxAge:    30 * 24 * time.Hour,
		SnapshotsPerRange: 3,
		PruneInterval:     6 * time.Hour,
		Now:               func() time.Time { return testNow },
	})
	return &timetableFixture{svc: svc, upstream: upstream, snaps: snaps, records: recordRepo}
}

func (f *timetableFixture) seedSnapshot(userID string, r timetable.DateRange, createdAt time.Time) {
	start, end := r.Pointers()
	_ = f.snaps.Create(context.Background(), &timetable.Snapshot{
		ID:         "seeded-" + createdAt.Format(time.RFC3339),
		UserID:     timetable.UserID(userID),
		RangeStart: start,
		RangeEnd:   end,
		Lessons:    []timetable.Lesson{{ID: 99, Date: 20250305, StartTime: 1000, EndTime: 1045, Subject: "History"}},
		CreatedAt:  createdAt,
	})
}

func TestGetOrFetch_FetchesAndStoresSnapshot(t *testing.T) {
	f := newTimetableFixture(&fakeUpstream{lessons: testLessons()})
	u := testUser(testBox(), "user-1")

	res, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.False(t, res.Stale)
	assert.Equal(t, SourceUpstream, res.Source)
	assert.Len(t, res.Snapshot.Lessons, 2)
	assert.Equal(t, testNow, res.LastUpdated())

	// Every fetch logs in and out again.
	f.svc.Wait()
	assert.Equal(t, f.upstream.loginCalls, f.upstream.logoutCalls)
}

func TestGetOrFetch_PrefetchesAdjacentWeeks(t *testing.T) {
	f := newTimetableFixture(&fakeUpstream{lessons: testLessons()})
	u := testUser(testBox(), "user-1")

	_, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)
	f.svc.Wait()

	// Requested week plus the previous and next one.
	assert.Equal(t, 3, f.snaps.count())
}

func TestGetOrFetch_ServesFreshSnapshotWithoutUpstream(t *testing.T) {
	f := newTimetableFixture(&fakeUpstream{lessons: testLessons()})
	u := testUser(testBox(), "user-1")

	r := timetable.WeekRange(testNow)
	f.seedSnapshot(u.ID, r, testNow.Add(-time.Minute))

	res, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.False(t, res.Stale)
	assert.Equal(t, SourcePostgres, res.Source)
	assert.Equal(t, 0, f.upstream.lessonCalls)
}

func TestGetOrFetch_ExpiredSnapshotRefetches(t *testing.T) {
	f := newTimetableFixture(&fakeUpstream{lessons: testLessons()})
	u := testUser(testBox(), "user-1")

	f.seedSnapshot(u.ID, timetable.WeekRange(testNow), testNow.Add(-10*time.Minute))

	res, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)
	f.svc.Wait()

	assert.False(t, res.Cached)
	assert.Equal(t, SourceUpstream, res.Source)
	assert.GreaterOrEqual(t, f.upstream.lessonCalls, 1)
}

func TestGetOrFetch_FetchFailureServesStaleSameRange(t *testing.T) {
	upstream := &fakeUpstream{
		lessonsErr: fmt.Errorf("getTimetable: %w: boom", timetable.ErrFetchFailed),
	}
	f := newTimetableFixture(upstream)
	u := testUser(testBox(), "user-1")

	f.seedSnapshot(u.ID, timetable.WeekRange(testNow), testNow.Add(-2*time.Hour))

	res, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)

	assert.True(t, res.Stale)
	assert.True(t, res.Cached)
	assert.Equal(t, timetable.FallbackFetchFailed, res.FallbackReason)
	assert.Equal(t, "seeded-"+testNow.Add(-2*time.Hour).Format(time.RFC3339), res.Snapshot.ID)
}

func TestGetOrFetch_LoginFailureFallsBackToAnyRange(t *testing.T) {
	upstream := &fakeUpstream{
		loginErr: fmt.Errorf("authenticate: %w: 502", timetable.ErrLoginFailed),
	}
	f := newTimetableFixture(upstream)
	u := testUser(testBox(), "user-1")

	// Only a snapshot of a different week exists.
	f.seedSnapshot(u.ID, timetable.WeekRange(testNow).PreviousWeek(), testNow.Add(-3*24*time.Hour))

	res, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)

	assert.True(t, res.Stale)
	assert.Equal(t, timetable.FallbackLoginFailed, res.FallbackReason)
}

func TestGetOrFetch_BadCredentialsSurfacedAsReason(t *testing.T) {
	upstream := &fakeUpstream{
		loginErr: fmt.Errorf("authenticate: %w", timetable.ErrBadCredentials),
	}
	f := newTimetableFixture(upstream)
	u := testUser(testBox(), "user-1")

	f.seedSnapshot(u.ID, timetable.WeekRange(testNow), testNow.Add(-time.Hour))

	res, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)

	assert.True(t, res.Stale)
	assert.Equal(t, timetable.FallbackBadCredentials, res.FallbackReason)
}

func TestGetOrFetch_MissingCredentialIsFatal(t *testing.T) {
	f := newTimetableFixture(&fakeUpstream{lessons: testLessons()})
	u := testUser(testBox(), "user-1")
	u.SecretCiphertext = nil

	// Even with history on file: no stale fallback for credential problems.
	f.seedSnapshot(u.ID, timetable.WeekRange(testNow), testNow.Add(-time.Hour))

	_, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	assert.ErrorIs(t, err, timetable.ErrMissingCredential)
}

func TestGetOrFetch_NoHistoryPropagatesFetchError(t *testing.T) {
	upstream := &fakeUpstream{
		lessonsErr: fmt.Errorf("getTimetable: %w: boom", timetable.ErrFetchFailed),
	}
	f := newTimetableFixture(upstream)
	u := testUser(testBox(), "user-1")

	_, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	assert.ErrorIs(t, err, timetable.ErrFetchFailed)
}

func TestGetOrFetch_PruneRunsAtMostOncePerInterval(t *testing.T) {
	f := newTimetableFixture(&fakeUpstream{lessons: testLessons()})
	u := testUser(testBox(), "user-1")

	_, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)
	f.svc.Wait()
	assert.Equal(t, 1, f.snaps.deleteOlderCalls)
	assert.Equal(t, 1, f.snaps.trimCalls)

	// Second lookup inside the interval: throttled.
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	_, err = f.svc.GetOrFetch(context.Background(), u, &start, &end)
	require.NoError(t, err)
	f.svc.Wait()
	assert.Equal(t, 1, f.snaps.deleteOlderCalls)
}

func TestGetOrFetch_ExamPerWeekFallback(t *testing.T) {
	upstream := &fakeUpstream{
		lessons:                testLessons(),
		exams:                  []records.Exam{{UntisID: 7, UserID: "user-1", Date: 20250305, StartTime: 800, EndTime: 935, Subject: "Math"}},
		examsEmptyForFullRange: true,
	}
	f := newTimetableFixture(upstream)
	u := testUser(testBox(), "user-1")

	// Two-week span: snapped to week bounds, wider than a single week.
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	_, err := f.svc.GetOrFetch(context.Background(), u, &start, &end)
	require.NoError(t, err)
	f.svc.Wait()

	// Full-range query came back empty, per-week queries filled in.
	assert.Greater(t, upstream.examCalls, 1)
	exams, err := f.records.ExamsForRange(context.Background(), u.ID, 20250301, 20250331)
	require.NoError(t, err)
	assert.Len(t, exams, 1)
}

func TestGetOrFetch_HomeworkFailureDegradesToStored(t *testing.T) {
	upstream := &fakeUpstream{
		lessons:     testLessons(),
		homeworkErr: fmt.Errorf("getHomeWorks: %w: boom", timetable.ErrFetchFailed),
	}
	f := newTimetableFixture(upstream)
	u := testUser(testBox(), "user-1")

	stored := records.Homework{UntisID: 11, UserID: u.ID, LessonID: 1, DueDate: 20250305, Text: "p. 12"}
	require.NoError(t, f.records.UpsertHomework(context.Background(), []records.Homework{stored}))

	res, err := f.svc.GetOrFetch(context.Background(), u, nil, nil)
	require.NoError(t, err)
	f.svc.Wait()

	// The timetable still arrives, enriched from the stored homework.
	var attached bool
	for _, l := range res.Snapshot.Lessons {
		if len(l.Homework) > 0 {
			attached = true
		}
	}
	assert.True(t, attached)
}
