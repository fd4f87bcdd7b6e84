package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/absence"
	"github.com/untis-hub/untis-sync-hub/internal/domain/notification"
	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/external/untis"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/push"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/secrets"
)

// ─────────────────────────────────────────────────────────────────────────────
// Upstream fake
// ─────────────────────────────────────────────────────────────────────────────

type fakeUpstream struct {
	mu sync.Mutex

	loginErr    error
	lessonsErr  error
	homeworkErr error
	examsErr    error
	absencesErr error

	lessons  []timetable.Lesson
	homework []records.Homework
	exams    []records.Exam
	absences []absence.Record
	holidays []timetable.Holiday

	// examsEmptyForFullRange forces the multi-week exam query to return
	// nothing so the per-week fallback kicks in.
	examsEmptyForFullRange bool

	loginCalls   int
	logoutCalls  int
	lessonCalls  int
	examCalls    int
	lessonRanges []timetable.DateRange
}

func (f *fakeUpstream) Login(ctx context.Context, school, username, password string) (*untis.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &untis.Session{School: school, PersonID: 42, PersonType: 5}, nil
}

func (f *fakeUpstream) Logout(ctx context.Context, sess *untis.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return nil
}

func (f *fakeUpstream) LessonsForRange(ctx context.Context, sess *untis.Session, start, end time.Time) ([]timetable.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lessonCalls++
	f.lessonRanges = append(f.lessonRanges, timetable.DateRange{Start: start, End: end})
	if f.lessonsErr != nil {
		return nil, f.lessonsErr
	}
	return f.lessons, nil
}

func (f *fakeUpstream) HomeworkForRange(ctx context.Context, sess *untis.Session, userID timetable.UserID, start, end time.Time) ([]records.Homework, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.homeworkErr != nil {
		return nil, f.homeworkErr
	}
	return f.homework, nil
}

func (f *fakeUpstream) ExamsForRange(ctx context.Context, sess *untis.Session, userID timetable.UserID, start, end time.Time) ([]records.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.examCalls++
	if f.examsErr != nil {
		return nil, f.examsErr
	}
	if f.examsEmptyForFullRange && end.Sub(start) > 7*24*time.Hour {
		return nil, nil
	}
	return f.exams, nil
}

func (f *fakeUpstream) AbsencesForRange(ctx context.Context, sess *untis.Session, userID timetable.UserID, start, end time.Time) ([]absence.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.absencesErr != nil {
		return nil, f.absencesErr
	}
	return f.absences, nil
}

func (f *fakeUpstream) Holidays(ctx context.Context, sess *untis.Session) ([]timetable.Holiday, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holidays, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Repository fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeSnapshotRepo struct {
	mu    sync.Mutex
	snaps []*timetable.Snapshot

	deleteOlderCalls int
	trimCalls        int
}

func (r *fakeSnapshotRepo) Create(ctx context.Context, snap *timetable.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *snap
	r.snaps = append(r.snaps, &copied)
	return nil
}

func (r *fakeSnapshotRepo) LatestForRange(ctx context.Context, userID timetable.UserID, start, end time.Time) (*timetable.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *timetable.Snapshot
	for _, s := range r.snaps {
		if s.UserID != userID || !s.MatchesRange(&start, &end) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, timetable.ErrSnapshotNotFound
	}
	return best, nil
}

func (r *fakeSnapshotRepo) LatestForUser(ctx context.Context, userID timetable.UserID) (*timetable.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *timetable.Snapshot
	for _, s := range r.snaps {
		if s.UserID != userID {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, timetable.ErrSnapshotNotFound
	}
	return best, nil
}

func (r *fakeSnapshotRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteOlderCalls++
	var kept []*timetable.Snapshot
	var deleted int64
	for _, s := range r.snaps {
		if s.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	r.snaps = kept
	return deleted, nil
}

func (r *fakeSnapshotRepo) TrimRangeBuckets(ctx context.Context, keep int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trimCalls++
	type bucket struct {
		user       timetable.UserID
		start, end string
	}
	byBucket := map[bucket][]*timetable.Snapshot{}
	for _, s := range r.snaps {
		b := bucket{user: s.UserID}
		if s.RangeStart != nil {
			b.start = s.RangeStart.String()
		}
		if s.RangeEnd != nil {
			b.end = s.RangeEnd.String()
		}
		byBucket[b] = append(byBucket[b], s)
	}
	var kept []*timetable.Snapshot
	var deleted int64
	for _, snaps := range byBucket {
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
		for i, s := range snaps {
			if i < keep {
				kept = append(kept, s)
			} else {
				deleted++
			}
		}
	}
	r.snaps = kept
	return deleted, nil
}

func (r *fakeSnapshotRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type fakeRecordRepo struct {
	mu       sync.Mutex
	homework map[string][]records.Homework
	exams    map[string][]records.Exam
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{
		homework: map[string][]records.Homework{},
		exams:    map[string][]records.Exam{},
	}
}

func (r *fakeRecordRepo) UpsertHomework(ctx context.Context, items []records.Homework) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range items {
		r.homework[h.UserID] = upsertByID(r.homework[h.UserID], h, func(x records.Homework) int64 { return x.UntisID })
	}
	return nil
}

func (r *fakeRecordRepo) UpsertExams(ctx context.Context, items []records.Exam) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range items {
		r.exams[e.UserID] = upsertByID(r.exams[e.UserID], e, func(x records.Exam) int64 { return x.UntisID })
	}
	return nil
}

func upsertByID[T any](list []T, item T, id func(T) int64) []T {
	for i := range list {
		if id(list[i]) == id(item) {
			list[i] = item
			return list
		}
	}
	return append(list, item)
}

func (r *fakeRecordRepo) HomeworkForRange(ctx context.Context, userID string, startDate, endDate int) ([]records.Homework, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []records.Homework
	for _, h := range r.homework[userID] {
		if h.DueDate >= startDate && h.DueDate <= endDate {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *fakeRecordRepo) ExamsForRange(ctx context.Context, userID string, startDate, endDate int) ([]records.Exam, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []records.Exam
	for _, e := range r.exams[userID] {
		if e.Date >= startDate && e.Date <= endDate {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeNotificationRepo struct {
	mu   sync.Mutex
	recs []*notification.Record
}

func (r *fakeNotificationRepo) Create(ctx context.Context, rec *notification.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.DedupeKey != nil {
		for _, existing := range r.recs {
			if existing.UserID == rec.UserID && existing.DedupeKey != nil && *existing.DedupeKey == *rec.DedupeKey {
				return notification.ErrDuplicate
			}
		}
	}
	copied := *rec
	r.recs = append(r.recs, &copied)
	return nil
}

func (r *fakeNotificationRepo) FindByDedupeKey(ctx context.Context, userID, dedupeKey string) (*notification.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.UserID == userID && rec.DedupeKey != nil && *rec.DedupeKey == dedupeKey {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *fakeNotificationRepo) ExistsSimilarSince(ctx context.Context, userID string, t notification.Type, title, message string, cutoff time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.UserID == userID && rec.Type == t && rec.Title == title && rec.Message == message && !rec.CreatedAt.Before(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeNotificationRepo) MarkSent(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.ID == id {
			rec.Sent = true
		}
	}
	return nil
}

func (r *fakeNotificationRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*notification.Record
	var deleted int64
	for _, rec := range r.recs {
		if rec.Expired(now) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.recs = kept
	return deleted, nil
}

func (r *fakeNotificationRepo) all() []*notification.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*notification.Record, len(r.recs))
	copy(out, r.recs)
	return out
}

type fakeUserRepo struct {
	mu       sync.Mutex
	users    map[string]*user.User
	subs     map[string][]*user.DeviceSubscription
	managers []*user.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users: map[string]*user.User{},
		subs:  map[string][]*user.DeviceSubscription{},
	}
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id string) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) ListActive(ctx context.Context) ([]*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*user.User
	for _, u := range r.users {
		if u.HasCredentials() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeUserRepo) ListManagers(ctx context.Context) ([]*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.managers, nil
}

func (r *fakeUserRepo) SubscriptionsForUser(ctx context.Context, userID string) ([]*user.DeviceSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*user.DeviceSubscription
	for _, sub := range r.subs[userID] {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *fakeUserRepo) DeactivateSubscription(ctx context.Context, userID, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs[userID] {
		if sub.Endpoint == endpoint {
			sub.Active = false
		}
	}
	return nil
}

type fakeAbsenceRepo struct {
	mu    sync.Mutex
	byKey map[string]map[int64]absence.Record
}

func newFakeAbsenceRepo() *fakeAbsenceRepo {
	return &fakeAbsenceRepo{byKey: map[string]map[int64]absence.Record{}}
}

func (r *fakeAbsenceRepo) Upsert(ctx context.Context, items []absence.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if r.byKey[item.UserID] == nil {
			r.byKey[item.UserID] = map[int64]absence.Record{}
		}
		r.byKey[item.UserID][item.UntisID] = item
	}
	return nil
}

func (r *fakeAbsenceRepo) ForUser(ctx context.Context, userID string) (map[int64]absence.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64]absence.Record{}
	for id, rec := range r.byKey[userID] {
		out[id] = rec
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Push fake
// ─────────────────────────────────────────────────────────────────────────────

type sentPush struct {
	endpoint string
	payload  push.Payload
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentPush
	failOn map[string]error // endpoint -> error
}

func newFakeSender() *fakeSender {
	return &fakeSender{failOn: map[string]error{}}
}

func (s *fakeSender) Send(ctx context.Context, sub *user.DeviceSubscription, payload push.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failOn[sub.Endpoint]; ok {
		return err
	}
	s.sent = append(s.sent, sentPush{endpoint: sub.Endpoint, payload: payload})
	return nil
}

func (s *fakeSender) endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.sent {
		out = append(out, p.endpoint)
	}
	sort.Strings(out)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Builders
// ─────────────────────────────────────────────────────────────────────────────

const testMasterKey = "test-master-key"

func testUser(box *secrets.Box, id string) *user.User {
	blob, err := box.Seal(secrets.Credentials{School: "demo-school", Username: id, Password: "secret"})
	if err != nil {
		panic(err)
	}
	return &user.User{
		ID:               id,
		Username:         id,
		School:           "demo-school",
		SecretCiphertext: blob,
		Settings:         user.DefaultNotificationSettings(),
	}
}

func testBox() *secrets.Box {
	box, err := secrets.NewBox(testMasterKey)
	if err != nil {
		panic(err)
	}
	return box
}
