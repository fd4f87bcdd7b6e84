package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/absence"
	"github.com/untis-hub/untis-sync-hub/internal/domain/notification"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
	"github.com/untis-hub/untis-sync-hub/pkg/timeutil"
)

// absenceLookback is how far back the absence sync asks upstream. Long
// enough to cover late excusals of older absences, short enough to keep the
// query cheap.
const absenceLookback = 60 * 24 * time.Hour

// AbsenceSyncService compares freshly fetched absence records against the
// stored copies and notifies the user about new entries and status changes.
type AbsenceSyncService struct {
	absences absence.Repository
	sessions *SessionManager
	upstream Upstream
	engine   *NotificationEngine
	logger   *logger.Logger
	now      func() time.Time
}

// NewAbsenceSyncService wires the absence sync.
func NewAbsenceSyncService(absences absence.Repository, sessions *SessionManager, upstream Upstream, engine *NotificationEngine, log *logger.Logger) *AbsenceSyncService {
	if log == nil {
		log = logger.Default()
	}
	return &AbsenceSyncService{
		absences: absences,
		sessions: sessions,
		upstream: upstream,
		engine:   engine,
		logger:   log.With(logger.Component("absence_sync")),
		now:      time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *AbsenceSyncService) WithClock(now func() time.Time) *AbsenceSyncService {
	s.now = now
	return s
}

// Sync fetches the user's recent absences, upserts them and emits
// notifications for records that are new or whose excused status or reason
// changed. Notification failures do not fail the sync; the dedupe keys make
// the next run retry them.
func (s *AbsenceSyncService) Sync(ctx context.Context, u *user.User) error {
	sess, err := s.sessions.SessionFor(ctx, u)
	if err != nil {
		return err
	}
	defer s.sessions.Release(ctx, sess)

	now := s.now()
	fresh, err := s.upstream.AbsencesForRange(ctx, sess, timetable.UserID(u.ID), now.Add(-absenceLookback), now)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	stored, err := s.absences.ForUser(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("load stored absences: %w", err)
	}

	var notifyErrs []error
	for i := range fresh {
		rec := &fresh[i]
		prev, known := stored[rec.UntisID]
		switch {
		case !known:
			err = s.notify(ctx, u, notification.TypeAbsenceNew, rec, "New absence recorded")
		case prev.Differs(rec):
			err = s.notify(ctx, u, notification.TypeAbsenceChange, rec, "Absence updated")
		default:
			continue
		}
		if err != nil {
			notifyErrs = append(notifyErrs, err)
		}
	}

	if err := s.absences.Upsert(ctx, fresh); err != nil {
		return fmt.Errorf("upsert absences: %w", err)
	}

	if len(notifyErrs) > 0 {
		s.logger.Warn("absence notifications incomplete",
			logger.UserID(u.ID),
			logger.Int("failed", len(notifyErrs)),
			logger.Err(errors.Join(notifyErrs...)))
	}
	return nil
}

func (s *AbsenceSyncService) notify(ctx context.Context, u *user.User, t notification.Type, rec *absence.Record, title string) error {
	status := "unexcused"
	if rec.Excused {
		status = "excused"
	}
	message := fmt.Sprintf("%s to %s: %s", timeutil.FormatDateInt(rec.StartDate), timeutil.FormatDateInt(rec.EndDate), status)
	if rec.Reason != "" {
		message += " (" + rec.Reason + ")"
	}
	return s.engine.NotifyAbsence(ctx, u, t, rec.UntisID, rec.Excused, rec.Reason, title, message)
}
