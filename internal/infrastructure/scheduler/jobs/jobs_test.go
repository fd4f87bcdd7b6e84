package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untis-hub/untis-sync-hub/internal/domain/notification"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/service"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type stubUserRepo struct {
	users []*user.User
	subs  map[string][]*user.DeviceSubscription
}

func (r *stubUserRepo) GetByID(ctx context.Context, id string) (*user.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, user.ErrUserNotFound
}

func (r *stubUserRepo) ListActive(ctx context.Context) ([]*user.User, error) {
	return r.users, nil
}

func (r *stubUserRepo) ListManagers(ctx context.Context) ([]*user.User, error) {
	return nil, nil
}

func (r *stubUserRepo) SubscriptionsForUser(ctx context.Context, userID string) ([]*user.DeviceSubscription, error) {
	return r.subs[userID], nil
}

func (r *stubUserRepo) DeactivateSubscription(ctx context.Context, userID, endpoint string) error {
	return nil
}

type stubSnapshotRepo struct {
	mu    sync.Mutex
	snaps map[string]*timetable.Snapshot // by user id
}

func (r *stubSnapshotRepo) Create(ctx context.Context, snap *timetable.Snapshot) error { return nil }

func (r *stubSnapshotRepo) LatestForRange(ctx context.Context, userID timetable.UserID, start, end time.Time) (*timetable.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snaps[userID.String()]
	if !ok {
		return nil, timetable.ErrSnapshotNotFound
	}
	return snap, nil
}

func (r *stubSnapshotRepo) LatestForUser(ctx context.Context, userID timetable.UserID) (*timetable.Snapshot, error) {
	return r.LatestForRange(ctx, userID, time.Time{}, time.Time{})
}

func (r *stubSnapshotRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *stubSnapshotRepo) TrimRangeBuckets(ctx context.Context, keep int) (int64, error) {
	return 0, nil
}

type stubFetcher struct {
	mu      sync.Mutex
	results map[string]*service.Result // by user id
	errs    map[string]error
	calls   []string
}

func (f *stubFetcher) GetOrFetch(ctx context.Context, u *user.User, start, end *time.Time) (*service.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u.ID)
	if err := f.errs[u.ID]; err != nil {
		return nil, err
	}
	return f.results[u.ID], nil
}

type notifyCall struct {
	userID string
	kind   string
}

type stubNotifier struct {
	mu     sync.Mutex
	calls  []notifyCall
	diffs  []notification.TimetableDiff
	pruned int
}

func (n *stubNotifier) NotifyLessonStatus(ctx context.Context, u *user.User, lessons []timetable.Lesson, loc *time.Location) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{userID: u.ID, kind: "status"})
	return nil
}

func (n *stubNotifier) NotifyTimetableChange(ctx context.Context, u *user.User, r timetable.DateRange, diff notification.TimetableDiff) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{userID: u.ID, kind: "change"})
	n.diffs = append(n.diffs, diff)
	return nil
}

func (n *stubNotifier) NotifyUpcoming(ctx context.Context, u *user.User, lessons []timetable.Lesson, loc *time.Location) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{userID: u.ID, kind: "upcoming"})
	return nil
}

func (n *stubNotifier) PruneExpired(ctx context.Context) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pruned++
	return 0, nil
}

func (n *stubNotifier) kinds(kind string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, c := range n.calls {
		if c.kind == kind {
			out = append(out, c.userID)
		}
	}
	return out
}

func activeUser(id string) *user.User {
	return &user.User{
		ID:               id,
		Username:         id,
		School:           "demo-school",
		SecretCiphertext: []byte{1},
		Settings:         user.DefaultNotificationSettings(),
	}
}

func freshResult(userID string, lessons []timetable.Lesson) *service.Result {
	return &service.Result{
		Snapshot: &timetable.Snapshot{
			ID:      "snap-" + userID,
			UserID:  timetable.UserID(userID),
			Lessons: lessons,
		},
		Source: service.SourceUpstream,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Batch runner
// ─────────────────────────────────────────────────────────────────────────────

func TestForEachUser_CollectsFailuresAndContinues(t *testing.T) {
	users := []*user.User{activeUser("u1"), activeUser("u2"), activeUser("u3")}

	stats := forEachUser(context.Background(), users, BatchConfig{BatchSize: 2, Concurrency: 2}, nil, func(ctx context.Context, u *user.User) error {
		if u.ID == "u2" {
			return assert.AnError
		}
		return nil
	})

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, "u2", stats.Errors[0].UserID)
	assert.ErrorContains(t, stats.Err(), "1 of 3 users failed")
}

func TestForEachUser_AllSucceedNoError(t *testing.T) {
	users := []*user.User{activeUser("u1"), activeUser("u2")}

	stats := forEachUser(context.Background(), users, DefaultBatchConfig(), nil, func(ctx context.Context, u *user.User) error {
		return nil
	})

	assert.NoError(t, stats.Err())
	assert.Equal(t, 2, stats.Succeeded)
}

func TestForEachUser_CancelledContextStopsBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := forEachUser(ctx, []*user.User{activeUser("u1")}, DefaultBatchConfig(), nil, func(ctx context.Context, u *user.User) error {
		t.Fatal("must not run after cancellation")
		return nil
	})
	assert.Equal(t, 0, stats.Succeeded+stats.Failed)
}

// ─────────────────────────────────────────────────────────────────────────────
// Timetable check
// ─────────────────────────────────────────────────────────────────────────────

func TestTimetableCheck_FreshResultNotifies(t *testing.T) {
	u := activeUser("u1")
	fresh := []timetable.Lesson{
		{ID: 1, Date: 20250305, StartTime: 800, EndTime: 845, Subject: "Math", Status: timetable.StatusCancelled},
	}
	previous := []timetable.Lesson{
		{ID: 1, Date: 20250305, StartTime: 800, EndTime: 845, Subject: "Math", Status: timetable.StatusRegular},
	}

	snaps := &stubSnapshotRepo{snaps: map[string]*timetable.Snapshot{
		"u1": {ID: "old", UserID: "u1", Lessons: previous},
	}}
	fetcher := &stubFetcher{results: map[string]*service.Result{"u1": freshResult("u1", fresh)}}
	notifier := &stubNotifier{}

	job := NewTimetableCheckJob(&stubUserRepo{users: []*user.User{u}}, snaps, fetcher, notifier, DefaultBatchConfig(), time.UTC, nil)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"u1"}, notifier.kinds("status"))
	assert.Equal(t, []string{"u1"}, notifier.kinds("change"))
	require.Len(t, notifier.diffs, 1)
	assert.Equal(t, 1, notifier.diffs[0].StatusChanged)
}

func TestTimetableCheck_CachedResultStillNotifies(t *testing.T) {
	u := activeUser("u1")
	cached := []timetable.Lesson{
		{ID: 1, Date: 20250305, StartTime: 800, EndTime: 845, Subject: "Math", Status: timetable.StatusCancelled},
	}
	previous := []timetable.Lesson{
		{ID: 1, Date: 20250305, StartTime: 800, EndTime: 845, Subject: "Math", Status: timetable.StatusRegular},
	}
	res := freshResult("u1", cached)
	res.Cached = true
	res.Source = service.SourcePostgres

	snaps := &stubSnapshotRepo{snaps: map[string]*timetable.Snapshot{
		"u1": {ID: "old", UserID: "u1", Lessons: previous},
	}}
	fetcher := &stubFetcher{results: map[string]*service.Result{"u1": res}}
	notifier := &stubNotifier{}

	// The warmup job refreshes the cache right before each check pass,
	// so a cached result is the common case and must still notify.
	job := NewTimetableCheckJob(&stubUserRepo{users: []*user.User{u}}, snaps, fetcher, notifier, DefaultBatchConfig(), time.UTC, nil)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"u1"}, notifier.kinds("status"))
	assert.Equal(t, []string{"u1"}, notifier.kinds("change"))
	require.Len(t, notifier.diffs, 1)
	assert.Equal(t, 1, notifier.diffs[0].StatusChanged)
}

func TestTimetableCheck_FirstSnapshotSkipsDiff(t *testing.T) {
	u := activeUser("u1")
	fetcher := &stubFetcher{results: map[string]*service.Result{"u1": freshResult("u1", nil)}}
	notifier := &stubNotifier{}

	job := NewTimetableCheckJob(&stubUserRepo{users: []*user.User{u}}, &stubSnapshotRepo{}, fetcher, notifier, DefaultBatchConfig(), time.UTC, nil)
	require.NoError(t, job.Run(context.Background()))

	// Status trigger still ran, but there is no previous payload to diff.
	assert.Equal(t, []string{"u1"}, notifier.kinds("status"))
	assert.Empty(t, notifier.kinds("change"))
}

func TestTimetableCheck_FailedUserReported(t *testing.T) {
	fetcher := &stubFetcher{errs: map[string]error{"u1": assert.AnError}}
	notifier := &stubNotifier{}

	job := NewTimetableCheckJob(&stubUserRepo{users: []*user.User{activeUser("u1")}}, &stubSnapshotRepo{}, fetcher, notifier, DefaultBatchConfig(), time.UTC, nil)
	assert.Error(t, job.Run(context.Background()))
}

// ─────────────────────────────────────────────────────────────────────────────
// Upcoming check
// ─────────────────────────────────────────────────────────────────────────────

func TestUpcomingCheck_OnlyOptedInUsers(t *testing.T) {
	optedIn := activeUser("u1")
	optedIn.Settings.UpcomingEnabled = true
	optedOut := activeUser("u2")

	snaps := &stubSnapshotRepo{snaps: map[string]*timetable.Snapshot{
		"u1": {ID: "s1", UserID: "u1"},
		"u2": {ID: "s2", UserID: "u2"},
	}}
	notifier := &stubNotifier{}

	job := NewUpcomingCheckJob(&stubUserRepo{users: []*user.User{optedIn, optedOut}}, snaps, notifier, DefaultBatchConfig(), time.UTC, nil)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"u1"}, notifier.kinds("upcoming"))
	assert.Equal(t, 1, notifier.pruned)
}

func TestUpcomingCheck_DeviceOverrideOptsIn(t *testing.T) {
	u := activeUser("u1") // user-level default off
	enabled := true
	repo := &stubUserRepo{
		users: []*user.User{u},
		subs: map[string][]*user.DeviceSubscription{
			"u1": {{Endpoint: "ep", Active: true, Overrides: map[string]*bool{user.SettingUpcoming: &enabled}}},
		},
	}
	snaps := &stubSnapshotRepo{snaps: map[string]*timetable.Snapshot{"u1": {ID: "s1", UserID: "u1"}}}
	notifier := &stubNotifier{}

	job := NewUpcomingCheckJob(repo, snaps, notifier, DefaultBatchConfig(), time.UTC, nil)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"u1"}, notifier.kinds("upcoming"))
}

func TestUpcomingCheck_NoSnapshotIsSilent(t *testing.T) {
	u := activeUser("u1")
	u.Settings.UpcomingEnabled = true
	notifier := &stubNotifier{}

	job := NewUpcomingCheckJob(&stubUserRepo{users: []*user.User{u}}, &stubSnapshotRepo{}, notifier, DefaultBatchConfig(), time.UTC, nil)
	require.NoError(t, job.Run(context.Background()))

	assert.Empty(t, notifier.kinds("upcoming"))
}

// ─────────────────────────────────────────────────────────────────────────────
// Absence check
// ─────────────────────────────────────────────────────────────────────────────

type stubSyncer struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (s *stubSyncer) Sync(ctx context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, u.ID)
	return s.errs[u.ID]
}

func TestAbsenceCheck_RunsAllUsersAndCollectsFailures(t *testing.T) {
	syncer := &stubSyncer{errs: map[string]error{"u2": assert.AnError}}
	repo := &stubUserRepo{users: []*user.User{activeUser("u1"), activeUser("u2"), activeUser("u3")}}

	job := NewAbsenceCheckJob(repo, syncer, DefaultBatchConfig(), nil)
	err := job.Run(context.Background())

	assert.ErrorContains(t, err, "1 of 3 users failed")
	assert.Len(t, syncer.calls, 3)
}
