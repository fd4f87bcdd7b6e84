package jobs

import (
	"context"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/notification"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/service"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
)

// TimetableFetcher is the slice of the timetable service the loops use.
type TimetableFetcher interface {
	GetOrFetch(ctx context.Context, u *user.User, start, end *time.Time) (*service.Result, error)
}

// StatusNotifier emits the timetable-driven notifications.
type StatusNotifier interface {
	NotifyLessonStatus(ctx context.Context, u *user.User, lessons []timetable.Lesson, loc *time.Location) error
	NotifyTimetableChange(ctx context.Context, u *user.User, r timetable.DateRange, diff notification.TimetableDiff) error
}

// TimetableCheckJob refreshes every active user's current week and turns
// the outcome into notifications: cancelled and irregular lessons from the
// fresh payload, and a change summary from the diff against the previous
// snapshot of the same week.
type TimetableCheckJob struct {
	users     user.Repository
	snapshots timetable.SnapshotRepository
	fetcher   TimetableFetcher
	notifier  StatusNotifier
	config    BatchConfig
	location  *time.Location
	logger    *logger.Logger
	now       func() time.Time
}

// NewTimetableCheckJob wires the change-detection loop. location is the
// fallback timezone for users without their own.
func NewTimetableCheckJob(
	users user.Repository,
	snapshots timetable.SnapshotRepository,
	fetcher TimetableFetcher,
	notifier StatusNotifier,
	config BatchConfig,
	location *time.Location,
	log *logger.Logger,
) *TimetableCheckJob {
	if log == nil {
		log = logger.Default()
	}
	if location == nil {
		location = time.UTC
	}
	return &TimetableCheckJob{
		users:     users,
		snapshots: snapshots,
		fetcher:   fetcher,
		notifier:  notifier,
		config:    config,
		location:  location,
		logger:    log.With(logger.JobName("timetable_check")),
		now:       time.Now,
	}
}

func (j *TimetableCheckJob) Name() string { return "timetable_check" }

func (j *TimetableCheckJob) Description() string {
	return "refreshes current-week timetables and notifies about cancellations and changes"
}

func (j *TimetableCheckJob) Run(ctx context.Context) error {
	users, err := j.users.ListActive(ctx)
	if err != nil {
		return err
	}

	stats := forEachUser(ctx, users, j.config, j.logger, j.checkUser)
	j.logger.Info("timetable check finished",
		logger.Int("users", stats.Total),
		logger.Int("failed", stats.Failed))
	return stats.Err()
}

func (j *TimetableCheckJob) checkUser(ctx context.Context, u *user.User) error {
	loc := u.Location(j.location)
	week := timetable.WeekRange(j.now().In(loc))

	// Read the previous snapshot before the refresh replaces it.
	previous, err := j.snapshots.LatestForRange(ctx, timetable.UserID(u.ID), week.Start, week.End)
	if err != nil {
		previous = nil
	}

	// Cached results go through the notifier too: the warmup job
	// usually refreshes the cache moments before this pass, and the
	// dedupe keys already make repeated notifications a no-op.
	res, err := j.fetcher.GetOrFetch(ctx, u, &week.Start, &week.End)
	if err != nil {
		return err
	}

	if err := j.notifier.NotifyLessonStatus(ctx, u, res.Snapshot.Lessons, loc); err != nil {
		return err
	}

	if previous != nil {
		diff := notification.DiffLessons(previous.Lessons, res.Snapshot.Lessons)
		if err := j.notifier.NotifyTimetableChange(ctx, u, week, diff); err != nil {
			return err
		}
	}
	return nil
}
