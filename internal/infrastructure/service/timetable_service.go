package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/external/untis"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/persistence/redis"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
)

// Result sources.
const (
	SourceRedis    = "redis"
	SourcePostgres = "postgres"
	SourceUpstream = "upstream"
)

// detachedTimeout bounds background work (prefetch, prune) that outlives
// the request context.
const detachedTimeout = 2 * time.Minute

// Result is the outcome of a timetable lookup.
type Result struct {
	Snapshot *timetable.Snapshot

	// Cached is true when the lessons were served from a stored snapshot
	// instead of a fresh upstream fetch.
	Cached bool

	// Stale is true when the upstream fetch failed and an older snapshot
	// was served instead. FallbackReason then names the failure class.
	Stale          bool
	FallbackReason string

	// Source names where the payload came from: redis, postgres or upstream.
	Source string
}

// LastUpdated returns when the served payload was fetched from upstream.
func (r *Result) LastUpdated() time.Time {
	return r.Snapshot.CreatedAt
}

// TimetableServiceConfig carries the tunables of the snapshot cache.
type TimetableServiceConfig struct {
	// CacheTTL is the freshness window of a stored snapshot.
	CacheTTL time.Duration

	// SnapshotMaxAge, SnapshotsPerRange and PruneInterval control
	// retention pruning.
	SnapshotMaxAge    time.Duration
	SnapshotsPerRange int
	PruneInterval     time.Duration

	Logger *logger.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// TimetableService is the caching layer between the HTTP interface, the
// background loops and the Untis upstream. Postgres holds the snapshot
// history and is the authority; Redis is a fast path that degrades to a
// plain miss when absent.
type TimetableService struct {
	snapshots timetable.SnapshotRepository
	records   records.Repository
	sessions  *SessionManager
	upstream  Upstream
	fast      *redis.TimetableCache // optional
	logger    *logger.Logger
	now       func() time.Time

	cacheTTL          time.Duration
	snapshotMaxAge    time.Duration
	snapshotsPerRange int
	pruneInterval     time.Duration

	// lastPrune is the unix time of the last retention prune. Swapped
	// atomically so concurrent lookups race for at most one prune per
	// interval.
	lastPrune atomic.Int64

	// inflight prevents duplicate detached prefetches of the same range.
	inflight sync.Map

	detached sync.WaitGroup
}

// NewTimetableService wires the snapshot cache.
func NewTimetableService(
	snapshots timetable.SnapshotRepository,
	recordRepo records.Repository,
	sessions *SessionManager,
	upstream Upstream,
	fast *redis.TimetableCache,
	config TimetableServiceConfig,
) *TimetableService {
	log := config.Logger
	if log == nil {
		log = logger.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.SnapshotMaxAge <= 0 {
		config.SnapshotMaxAge = 30 * 24 * time.Hour
	}
	if config.SnapshotsPerRange <= 0 {
		config.SnapshotsPerRange = 3
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = 6 * time.Hour
	}

	return &TimetableService{
		snapshots:         snapshots,
		records:           recordRepo,
		sessions:          sessions,
		upstream:          upstream,
		fast:              fast,
		logger:            log.With(logger.Component("timetable_service")),
		now:               now,
		cacheTTL:          config.CacheTTL,
		snapshotMaxAge:    config.SnapshotMaxAge,
		snapshotsPerRange: config.SnapshotsPerRange,
		pruneInterval:     config.PruneInterval,
	}
}

// GetOrFetch returns the user's timetable for the requested range, serving
// a fresh stored snapshot when one exists and fetching from upstream
// otherwise. When the fetch fails for a retryable reason the newest stored
// snapshot is served stale instead; credential problems are fatal and
// propagate.
func (s *TimetableService) GetOrFetch(ctx context.Context, u *user.User, start, end *time.Time) (*Result, error) {
	r := timetable.NormalizeRange(start, end, s.now())
	userID := timetable.UserID(u.ID)

	if res := s.lookupFresh(ctx, userID, r); res != nil {
		return res, nil
	}

	snap, err := s.fetchAndStore(ctx, u, r)
	if err != nil {
		if res := s.fallback(ctx, userID, r, err); res != nil {
			return res, nil
		}
		return nil, err
	}

	s.schedulePrefetch(ctx, u, r)
	s.maybePrune(ctx)

	return &Result{Snapshot: snap, Source: SourceUpstream}, nil
}

// lookupFresh checks the fast path and then the snapshot store for a
// snapshot still inside the freshness window.
func (s *TimetableService) lookupFresh(ctx context.Context, userID timetable.UserID, r timetable.DateRange) *Result {
	now := s.now()

	if s.fast != nil {
		snap, err := s.fast.Snapshot(ctx, userID, r)
		if err == nil && snap.Fresh(now, s.cacheTTL) {
			return &Result{Snapshot: snap, Cached: true, Source: SourceRedis}
		}
		if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("fast path lookup failed", logger.UserID(userID.String()), logger.Err(err))
		}
	}

	snap, err := s.snapshots.LatestForRange(ctx, userID, r.Start, r.End)
	if err != nil {
		if !errors.Is(err, timetable.ErrSnapshotNotFound) {
			s.logger.Warn("snapshot lookup failed", logger.UserID(userID.String()), logger.Err(err))
		}
		return nil
	}
	if !snap.Fresh(now, s.cacheTTL) {
		return nil
	}

	s.storeFast(ctx, r, snap)
	return &Result{Snapshot: snap, Cached: true, Source: SourcePostgres}
}

// fallback serves the newest stored snapshot after a retryable fetch
// failure: first a snapshot of the exact range, then the newest one across
// all ranges. Fatal errors and users without any history return nil.
func (s *TimetableService) fallback(ctx context.Context, userID timetable.UserID, r timetable.DateRange, cause error) *Result {
	if !timetable.RetryableSyncError(cause) {
		return nil
	}

	snap, err := s.snapshots.LatestForRange(ctx, userID, r.Start, r.End)
	if errors.Is(err, timetable.ErrSnapshotNotFound) {
		snap, err = s.snapshots.LatestForUser(ctx, userID)
	}
	if err != nil {
		return nil
	}

	reason := timetable.SyncFallbackReason(cause)
	s.logger.Warn("serving stale snapshot",
		logger.UserID(userID.String()),
		logger.String("reason", reason),
		logger.Err(cause))

	return &Result{
		Snapshot:       snap,
		Cached:         true,
		Stale:          true,
		FallbackReason: reason,
		Source:         SourcePostgres,
	}
}

// fetchAndStore fetches the range from upstream, enriches it and persists a
// new snapshot. Persistence failures are logged and the fresh payload is
// still returned; the next lookup simply refetches.
func (s *TimetableService) fetchAndStore(ctx context.Context, u *user.User, r timetable.DateRange) (*timetable.Snapshot, error) {
	sess, err := s.sessions.SessionFor(ctx, u)
	if err != nil {
		return nil, err
	}
	defer s.sessions.Release(ctx, sess)

	lessons, err := s.upstream.LessonsForRange(ctx, sess, r.Start, r.End)
	if err != nil {
		return nil, err
	}

	userID := timetable.UserID(u.ID)
	homework := s.syncHomework(ctx, sess, userID, r)
	exams := s.syncExams(ctx, sess, userID, r)
	enriched := timetable.Enrich(lessons, homework, exams)

	rangeStart, rangeEnd := r.Pointers()
	snap := &timetable.Snapshot{
		ID:         uuid.New().String(),
		UserID:     userID,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		Lessons:    enriched,
		CreatedAt:  s.now(),
	}

	if err := s.snapshots.Create(ctx, snap); err != nil {
		s.logger.Error("snapshot persist failed", logger.UserID(u.ID), logger.Err(err))
	}
	s.storeFast(ctx, r, snap)

	s.logger.Debug("range refreshed",
		logger.UserID(u.ID),
		logger.RangeStart(r.Start),
		logger.RangeEnd(r.End),
		logger.LessonCount(len(enriched)))
	return snap, nil
}

// syncHomework fetches and upserts homework for the range. The timetable
// itself must not fail over a secondary record, so upstream errors degrade
// to the stored copies.
func (s *TimetableService) syncHomework(ctx context.Context, sess *untis.Session, userID timetable.UserID, r timetable.DateRange) []records.Homework {
	homework, err := s.upstream.HomeworkForRange(ctx, sess, userID, r.Start, r.End)
	if err != nil {
		s.logger.Warn("homework fetch failed, using stored records", logger.UserID(userID.String()), logger.Err(err))
		return s.storedHomework(ctx, userID, r)
	}
	if len(homework) > 0 {
		if err := s.records.UpsertHomework(ctx, homework); err != nil {
			s.logger.Warn("homework upsert failed", logger.UserID(userID.String()), logger.Err(err))
		}
	}
	return homework
}

// syncExams fetches and upserts exams for the range. Some Untis instances
// reject multi-week exam queries, so an error or empty result over a span
// longer than one week retries week by week before giving up.
func (s *TimetableService) syncExams(ctx context.Context, sess *untis.Session, userID timetable.UserID, r timetable.DateRange) []records.Exam {
	exams, err := s.upstream.ExamsForRange(ctx, sess, userID, r.Start, r.End)
	if (err != nil || len(exams) == 0) && r.End.Sub(r.Start) > 7*24*time.Hour {
		exams, err = s.examsPerWeek(ctx, sess, userID, r)
	}
	if err != nil {
		s.logger.Warn("exam fetch failed, using stored records", logger.UserID(userID.String()), logger.Err(err))
		return s.storedExams(ctx, userID, r)
	}
	if len(exams) > 0 {
		if err := s.records.UpsertExams(ctx, exams); err != nil {
			s.logger.Warn("exam upsert failed", logger.UserID(userID.String()), logger.Err(err))
		}
	}
	return exams
}

func (s *TimetableService) examsPerWeek(ctx context.Context, sess *untis.Session, userID timetable.UserID, r timetable.DateRange) ([]records.Exam, error) {
	var out []records.Exam
	var lastErr error
	for week := timetable.WeekRange(r.Start); !week.Start.After(r.End); week = week.NextWeek() {
		exams, err := s.upstream.ExamsForRange(ctx, sess, userID, week.Start, week.End)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, exams...)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (s *TimetableService) storedHomework(ctx context.Context, userID timetable.UserID, r timetable.DateRange) []records.Homework {
	homework, err := s.records.HomeworkForRange(ctx, userID.String(), r.StartDateInt(), r.EndDateInt())
	if err != nil {
		return nil
	}
	return homework
}

func (s *TimetableService) storedExams(ctx context.Context, userID timetable.UserID, r timetable.DateRange) []records.Exam {
	exams, err := s.records.ExamsForRange(ctx, userID.String(), r.StartDateInt(), r.EndDateInt())
	if err != nil {
		return nil
	}
	return exams
}

func (s *TimetableService) storeFast(ctx context.Context, r timetable.DateRange, snap *timetable.Snapshot) {
	if s.fast == nil {
		return
	}
	if err := s.fast.StoreSnapshot(ctx, r, snap); err != nil {
		s.logger.Warn("fast path store failed", logger.UserID(snap.UserID.String()), logger.Err(err))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Detached work
// ─────────────────────────────────────────────────────────────────────────────

// schedulePrefetch warms the adjacent ISO weeks in the background so the
// user's next navigation step is a cache hit. Weeks that already have any
// stored snapshot are skipped.
func (s *TimetableService) schedulePrefetch(ctx context.Context, u *user.User, r timetable.DateRange) {
	for _, adjacent := range []timetable.DateRange{r.PreviousWeek(), r.NextWeek()} {
		key := fmt.Sprintf("%s:%d:%d", u.ID, adjacent.StartDateInt(), adjacent.EndDateInt())
		if _, loaded := s.inflight.LoadOrStore(key, struct{}{}); loaded {
			continue
		}

		s.detached.Add(1)
		go func(r timetable.DateRange, key string) {
			defer s.detached.Done()
			defer s.inflight.Delete(key)

			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
			defer cancel()

			if _, err := s.snapshots.LatestForRange(dctx, timetable.UserID(u.ID), r.Start, r.End); err == nil {
				return
			}
			if _, err := s.fetchAndStore(dctx, u, r); err != nil {
				s.logger.Debug("prefetch failed", logger.UserID(u.ID), logger.Err(err))
			}
		}(adjacent, key)
	}
}

// maybePrune runs retention pruning at most once per prune interval.
func (s *TimetableService) maybePrune(ctx context.Context) {
	now := s.now().Unix()
	last := s.lastPrune.Load()
	if now-last < int64(s.pruneInterval.Seconds()) {
		return
	}
	if !s.lastPrune.CompareAndSwap(last, now) {
		return
	}

	s.detached.Add(1)
	go func() {
		defer s.detached.Done()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
		defer cancel()

		aged, err := s.snapshots.DeleteOlderThan(dctx, s.now().Add(-s.snapshotMaxAge))
		if err != nil {
			s.logger.Error("age prune failed", logger.Err(err))
		}
		trimmed, err := s.snapshots.TrimRangeBuckets(dctx, s.snapshotsPerRange)
		if err != nil {
			s.logger.Error("bucket trim failed", logger.Err(err))
		}
		if aged+trimmed > 0 {
			s.logger.Info("snapshots pruned", logger.Int64("aged", aged), logger.Int64("trimmed", trimmed))
		}
	}()
}

// Wait blocks until all detached prefetch and prune work has finished.
// Called during shutdown.
func (s *TimetableService) Wait() {
	s.detached.Wait()
}
