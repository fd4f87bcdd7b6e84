package jobs

import (
	"context"

	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
)

// AbsenceSyncer runs one absence sync pass for a user.
type AbsenceSyncer interface {
	Sync(ctx context.Context, u *user.User) error
}

// AbsenceCheckJob syncs every active user's absence records and lets the
// sync service notify about new entries and excusal changes.
type AbsenceCheckJob struct {
	users  user.Repository
	syncer AbsenceSyncer
	config BatchConfig
	logger *logger.Logger
}

// NewAbsenceCheckJob wires the absence loop.
func NewAbsenceCheckJob(users user.Repository, syncer AbsenceSyncer, config BatchConfig, log *logger.Logger) *AbsenceCheckJob {
	if log == nil {
		log = logger.Default()
	}
	return &AbsenceCheckJob{
		users:  users,
		syncer: syncer,
		config: config,
		logger: log.With(logger.JobName("absence_check")),
	}
}

func (j *AbsenceCheckJob) Name() string { return "absence_check" }

func (j *AbsenceCheckJob) Description() string {
	return "syncs absence records and notifies about new entries and excusal changes"
}

func (j *AbsenceCheckJob) Run(ctx context.Context) error {
	users, err := j.users.ListActive(ctx)
	if err != nil {
		return err
	}

	stats := forEachUser(ctx, users, j.config, j.logger, j.syncer.Sync)
	j.logger.Info("absence check finished",
		logger.Int("users", stats.Total),
		logger.Int("failed", stats.Failed))
	return stats.Err()
}
