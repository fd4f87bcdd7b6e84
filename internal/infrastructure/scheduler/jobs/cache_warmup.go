package jobs

import (
	"context"

	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/persistence/redis"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/service"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
)

// CacheWarmupJob keeps every active user's current week warm so interactive
// lookups hit the cache. The timetable service's own prefetch covers the
// adjacent weeks. When a holiday cache is wired, the pass also refreshes
// the holiday list once per school.
type CacheWarmupJob struct {
	users    user.Repository
	fetcher  TimetableFetcher
	sessions *service.SessionManager
	upstream service.Upstream
	holidays *redis.HolidayCache // optional
	config   BatchConfig
	logger   *logger.Logger
}

// NewCacheWarmupJob wires the warmup loop. holidays may be nil.
func NewCacheWarmupJob(
	users user.Repository,
	fetcher TimetableFetcher,
	sessions *service.SessionManager,
	upstream service.Upstream,
	holidays *redis.HolidayCache,
	config BatchConfig,
	log *logger.Logger,
) *CacheWarmupJob {
	if log == nil {
		log = logger.Default()
	}
	return &CacheWarmupJob{
		users:    users,
		fetcher:  fetcher,
		sessions: sessions,
		upstream: upstream,
		holidays: holidays,
		config:   config,
		logger:   log.With(logger.JobName("cache_warmup")),
	}
}

func (j *CacheWarmupJob) Name() string { return "cache_warmup" }

func (j *CacheWarmupJob) Description() string {
	return "pre-warms timetable and holiday caches for all active users"
}

func (j *CacheWarmupJob) Run(ctx context.Context) error {
	users, err := j.users.ListActive(ctx)
	if err != nil {
		return err
	}

	stats := forEachUser(ctx, users, j.config, j.logger, func(ctx context.Context, u *user.User) error {
		_, err := j.fetcher.GetOrFetch(ctx, u, nil, nil)
		return err
	})

	j.warmHolidays(ctx, users)

	j.logger.Info("warmup finished",
		logger.Int("users", stats.Total),
		logger.Int("failed", stats.Failed))
	return stats.Err()
}

// warmHolidays refreshes the holiday cache once per school, using the first
// active user of each school for the session. Failures are logged only; a
// cold holiday cache never blocks the warmup.
func (j *CacheWarmupJob) warmHolidays(ctx context.Context, users []*user.User) {
	if j.holidays == nil {
		return
	}

	done := map[string]bool{}
	for _, u := range users {
		if u.School == "" || done[u.School] {
			continue
		}
		done[u.School] = true

		sess, err := j.sessions.SessionFor(ctx, u)
		if err != nil {
			j.logger.Warn("holiday warmup login failed", logger.String("school", u.School), logger.Err(err))
			continue
		}
		holidays, err := j.upstream.Holidays(ctx, sess)
		j.sessions.Release(ctx, sess)
		if err != nil {
			j.logger.Warn("holiday fetch failed", logger.String("school", u.School), logger.Err(err))
			continue
		}
		if err := j.holidays.Store(ctx, u.School, holidays); err != nil {
			j.logger.Warn("holiday cache store failed", logger.String("school", u.School), logger.Err(err))
		}
	}
}
