package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
)

// UpcomingNotifier emits upcoming-lesson reminders and prunes expired ones.
type UpcomingNotifier interface {
	NotifyUpcoming(ctx context.Context, u *user.User, lessons []timetable.Lesson, loc *time.Location) error
	PruneExpired(ctx context.Context) (int64, error)
}

// UpcomingCheckJob emits reminders for lessons starting in the next few
// minutes. It runs every minute and reads only stored snapshots: the
// reminder window is far smaller than the snapshot freshness window, so a
// fetch here would only burn upstream quota.
type UpcomingCheckJob struct {
	users     user.Repository
	snapshots timetable.SnapshotRepository
	notifier  UpcomingNotifier
	config    BatchConfig
	location  *time.Location
	logger    *logger.Logger
	now       func() time.Time
}

// NewUpcomingCheckJob wires the reminder loop.
func NewUpcomingCheckJob(
	users user.Repository,
	snapshots timetable.SnapshotRepository,
	notifier UpcomingNotifier,
	config BatchConfig,
	location *time.Location,
	log *logger.Logger,
) *UpcomingCheckJob {
	if log == nil {
		log = logger.Default()
	}
	if location == nil {
		location = time.UTC
	}
	return &UpcomingCheckJob{
		users:     users,
		snapshots: snapshots,
		notifier:  notifier,
		config:    config,
		location:  location,
		logger:    log.With(logger.JobName("upcoming_check")),
		now:       time.Now,
	}
}

func (j *UpcomingCheckJob) Name() string { return "upcoming_check" }

func (j *UpcomingCheckJob) Description() string {
	return "reminds opted-in users about lessons starting in a few minutes"
}

func (j *UpcomingCheckJob) Run(ctx context.Context) error {
	users, err := j.users.ListActive(ctx)
	if err != nil {
		return err
	}

	var candidates []*user.User
	for _, u := range users {
		if j.wantsReminders(ctx, u) {
			candidates = append(candidates, u)
		}
	}

	stats := forEachUser(ctx, candidates, j.config, j.logger, j.checkUser)

	if pruned, err := j.notifier.PruneExpired(ctx); err != nil {
		j.logger.Warn("expired reminder cleanup failed", logger.Err(err))
	} else if pruned > 0 {
		j.logger.Debug("expired reminders pruned", logger.Int64("count", pruned))
	}

	return stats.Err()
}

// wantsReminders reports whether any of the user's devices would receive an
// upcoming-lesson reminder. The feature is opt-in: the user-level default
// or a device override has to enable it.
func (j *UpcomingCheckJob) wantsReminders(ctx context.Context, u *user.User) bool {
	if u.Settings.UpcomingEnabled {
		return true
	}
	subs, err := j.users.SubscriptionsForUser(ctx, u.ID)
	if err != nil {
		return false
	}
	for _, sub := range subs {
		if sub.WantsNotification(user.SettingUpcoming, u.Settings) {
			return true
		}
	}
	return false
}

func (j *UpcomingCheckJob) checkUser(ctx context.Context, u *user.User) error {
	loc := u.Location(j.location)
	week := timetable.WeekRange(j.now().In(loc))

	snap, err := j.snapshots.LatestForRange(ctx, timetable.UserID(u.ID), week.Start, week.End)
	if err != nil {
		// No snapshot yet: the warmup or check loop has not reached this
		// user, nothing to remind about.
		if errors.Is(err, timetable.ErrSnapshotNotFound) {
			return nil
		}
		return err
	}

	return j.notifier.NotifyUpcoming(ctx, u, snap.Lessons, loc)
}
