package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/untis-hub/untis-sync-hub/internal/domain/notification"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/push"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
	"github.com/untis-hub/untis-sync-hub/pkg/timeutil"
)

// PushSender delivers a payload to one device. Satisfied by *push.Sender.
type PushSender interface {
	Send(ctx context.Context, sub *user.DeviceSubscription, payload push.Payload) error
}

// NotificationEngine creates notification records idempotently and fans
// them out to the user's devices. Creation and delivery are separate steps:
// a record that fails to deliver still exists and is never created twice.
type NotificationEngine struct {
	repo   notification.Repository
	users  user.Repository
	sender PushSender
	logger *logger.Logger
	now    func() time.Time
}

// NewNotificationEngine wires the engine. Sender may be nil; records are
// then created but never pushed (useful without VAPID keys configured).
func NewNotificationEngine(repo notification.Repository, users user.Repository, sender PushSender, log *logger.Logger) *NotificationEngine {
	if log == nil {
		log = logger.Default()
	}
	return &NotificationEngine{
		repo:   repo,
		users:  users,
		sender: sender,
		logger: log.With(logger.Component("notification_engine")),
		now:    time.Now,
	}
}

// WithClock overrides the engine clock. Test hook.
func (e *NotificationEngine) WithClock(now func() time.Time) *NotificationEngine {
	e.now = now
	return e
}

// Create stores the intent as a notification record. Intents with a dedupe
// key are idempotent: a second create with the same key returns the
// existing record and created=false. Keyless intents fall back to the
// content-based suppression window and return (nil, false, nil) when an
// identical record already exists inside it.
func (e *NotificationEngine) Create(ctx context.Context, intent notification.Intent) (*notification.Record, bool, error) {
	if err := intent.Validate(); err != nil {
		return nil, false, err
	}

	if intent.DedupeKey == "" {
		exists, err := e.repo.ExistsSimilarSince(ctx, intent.UserID, intent.Type, intent.Title, intent.Message, notification.LegacyDedupeCutoff(e.now()))
		if err != nil {
			return nil, false, fmt.Errorf("legacy dedupe check: %w", err)
		}
		if exists {
			return nil, false, nil
		}
	}

	rec := &notification.Record{
		ID:        uuid.New().String(),
		UserID:    intent.UserID,
		Type:      intent.Type,
		Title:     intent.Title,
		Message:   intent.Message,
		Data:      intent.Data,
		ExpiresAt: intent.ExpiresAt,
		CreatedAt: e.now(),
	}
	if intent.DedupeKey != "" {
		key := intent.DedupeKey
		rec.DedupeKey = &key
	}

	if err := e.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, notification.ErrDuplicate) && intent.DedupeKey != "" {
			existing, ferr := e.repo.FindByDedupeKey(ctx, intent.UserID, intent.DedupeKey)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

// Deliver pushes the record to the user's active devices. Each device is
// handled in its own goroutine and a failure on one never blocks or fails
// the others. Subscriptions the push service reports as gone or
// over-limit are deactivated. The record is marked sent when at least one
// device accepted it.
func (e *NotificationEngine) Deliver(ctx context.Context, u *user.User, rec *notification.Record, setting string) error {
	if e.sender == nil {
		return nil
	}
	if rec.Expired(e.now()) {
		return nil
	}

	subs, err := e.users.SubscriptionsForUser(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	payload := push.PayloadFromRecord(rec)

	var wg sync.WaitGroup
	var delivered atomic.Int64
	for _, sub := range subs {
		// An empty setting bypasses preference gating; used for
		// notifications the user cannot opt out of, like access requests
		// to managers.
		if setting != "" && !sub.WantsNotification(setting, u.Settings) {
			continue
		}

		wg.Add(1)
		go func(sub *user.DeviceSubscription) {
			defer wg.Done()

			if err := e.sender.Send(ctx, sub, payload); err != nil {
				if push.Terminal(err) {
					e.logger.Info("deactivating dead subscription",
						logger.UserID(u.ID),
						logger.Subscription(sub.Endpoint),
						logger.Err(err))
					if derr := e.users.DeactivateSubscription(ctx, u.ID, sub.Endpoint); derr != nil {
						e.logger.Error("subscription deactivate failed", logger.UserID(u.ID), logger.Err(derr))
					}
					return
				}
				e.logger.Warn("push delivery failed",
					logger.UserID(u.ID),
					logger.Subscription(sub.Endpoint),
					logger.Err(err))
				return
			}
			delivered.Add(1)
		}(sub)
	}
	wg.Wait()

	if delivered.Load() > 0 {
		if err := e.repo.MarkSent(ctx, rec.ID); err != nil {
			e.logger.Error("mark sent failed", logger.Err(err))
		}
	}
	return nil
}

// CreateAndDeliver creates the record and, when it is new, pushes it out.
func (e *NotificationEngine) CreateAndDeliver(ctx context.Context, u *user.User, intent notification.Intent, setting string) error {
	rec, created, err := e.Create(ctx, intent)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return e.Deliver(ctx, u, rec, setting)
}

// ─────────────────────────────────────────────────────────────────────────────
// Triggers
// ─────────────────────────────────────────────────────────────────────────────

// NotifyLessonStatus evaluates the cancelled and irregular triggers for a
// fresh lesson payload and emits one notification per merged group. Lessons
// outside the user's notification scope (current day or week) are ignored.
func (e *NotificationEngine) NotifyLessonStatus(ctx context.Context, u *user.User, lessons []timetable.Lesson, loc *time.Location) error {
	now := e.now()
	fromDate, toDate := e.scopeBounds(u, now, loc)
	scoped := notification.FilterScope(lessons, fromDate, toDate)

	var errs []error
	for _, g := range notification.CancelledGroups(scoped, now, loc) {
		intent := e.groupIntent(u.ID, notification.TypeCancelledLesson, g)
		if err := e.CreateAndDeliver(ctx, u, intent, user.SettingCancelled); err != nil {
			errs = append(errs, err)
		}
	}
	for _, g := range notification.IrregularGroups(scoped, now, loc) {
		intent := e.groupIntent(u.ID, notification.TypeIrregularLesson, g)
		if err := e.CreateAndDeliver(ctx, u, intent, user.SettingIrregular); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyUpcoming emits reminders for lessons starting in the next few
// minutes. Records expire shortly after the lesson starts so a reminder
// never outlives its usefulness.
func (e *NotificationEngine) NotifyUpcoming(ctx context.Context, u *user.User, lessons []timetable.Lesson, loc *time.Location) error {
	now := e.now()

	var errs []error
	for _, g := range notification.UpcomingGroups(lessons, now, loc) {
		first := g.First()
		expires := notification.UpcomingExpiry(g, loc)
		intent := notification.Intent{
			UserID:    u.ID,
			Type:      notification.TypeUpcomingLesson,
			Title:     fmt.Sprintf("%s starts soon", first.Subject),
			Message:   groupMessage(g),
			Data:      groupData(g),
			DedupeKey: notification.UpcomingLessonKey(g),
			ExpiresAt: &expires,
		}
		if err := e.CreateAndDeliver(ctx, u, intent, user.SettingUpcoming); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyTimetableChange reports a refresh diff to the user. The intent is
// keyless: identical summaries inside the suppression window collapse.
func (e *NotificationEngine) NotifyTimetableChange(ctx context.Context, u *user.User, r timetable.DateRange, diff notification.TimetableDiff) error {
	if diff.Empty() {
		return nil
	}
	intent := notification.Intent{
		UserID:  u.ID,
		Type:    notification.TypeTimetableChange,
		Title:   "Timetable updated",
		Message: fmt.Sprintf("%s to %s: %s", timeutil.FormatDateInt(r.StartDateInt()), timeutil.FormatDateInt(r.EndDateInt()), diff.Summary()),
		Data: map[string]string{
			"rangeStart": strconv.Itoa(r.StartDateInt()),
			"rangeEnd":   strconv.Itoa(r.EndDateInt()),
		},
	}
	return e.CreateAndDeliver(ctx, u, intent, user.SettingChanges)
}

// NotifyAccessRequest tells every manager that a user asked for access.
// The dedupe key buckets rapid retries into one notification per five
// minutes. Managers cannot opt out.
func (e *NotificationEngine) NotifyAccessRequest(ctx context.Context, requesterID, requesterName, content string) error {
	managers, err := e.users.ListManagers(ctx)
	if err != nil {
		return fmt.Errorf("list managers: %w", err)
	}

	key := notification.AccessRequestKey(requesterID, content, e.now())
	var errs []error
	for _, m := range managers {
		intent := notification.Intent{
			UserID:    m.ID,
			Type:      notification.TypeAccessRequest,
			Title:     "Access request",
			Message:   fmt.Sprintf("%s requests access: %s", requesterName, content),
			Data:      map[string]string{"requesterId": requesterID},
			DedupeKey: key,
		}
		if err := e.CreateAndDeliver(ctx, m, intent, ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyAbsence emits a notification for a new or changed absence record.
func (e *NotificationEngine) NotifyAbsence(ctx context.Context, u *user.User, t notification.Type, untisID int64, excused bool, reason, title, message string) error {
	intent := notification.Intent{
		UserID:    u.ID,
		Type:      t,
		Title:     title,
		Message:   message,
		Data:      map[string]string{"absenceId": strconv.FormatInt(untisID, 10)},
		DedupeKey: notification.AbsenceKey(t, untisID, excused, reason),
	}
	return e.CreateAndDeliver(ctx, u, intent, user.SettingAbsences)
}

// PruneExpired removes notification records past their expiry.
func (e *NotificationEngine) PruneExpired(ctx context.Context) (int64, error) {
	return e.repo.DeleteExpired(ctx, e.now())
}

// ─────────────────────────────────────────────────────────────────────────────
// Rendering
// ─────────────────────────────────────────────────────────────────────────────

func (e *NotificationEngine) groupIntent(userID string, t notification.Type, g notification.Group) notification.Intent {
	first := g.First()
	title := fmt.Sprintf("%s cancelled", first.Subject)
	if t == notification.TypeIrregularLesson {
		title = fmt.Sprintf("%s changed", first.Subject)
	}
	return notification.Intent{
		UserID:    userID,
		Type:      t,
		Title:     title,
		Message:   groupMessage(g),
		Data:      groupData(g),
		DedupeKey: notification.LessonGroupKey(t, g),
	}
}

// scopeBounds resolves the day or week window of the user's notification
// scope in YYYYMMDD encoding.
func (e *NotificationEngine) scopeBounds(u *user.User, now time.Time, loc *time.Location) (fromDate, toDate int) {
	local := now.In(loc)
	if u.Settings.Scope == user.ScopeDay {
		d := timeutil.DateInt(local)
		return d, d
	}
	return timeutil.DateInt(timeutil.StartOfISOWeek(local)), timeutil.DateInt(timeutil.EndOfISOWeek(local))
}

func groupMessage(g notification.Group) string {
	first, last := g.First(), g.Last()
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s-%s",
		timeutil.FormatDateInt(first.Date),
		timeutil.FormatClock(first.StartTime),
		timeutil.FormatClock(last.EndTime))
	if len(first.Teachers) > 0 {
		fmt.Fprintf(&b, " with %s", strings.Join(first.Teachers, ", "))
	}
	if len(first.Rooms) > 0 {
		fmt.Fprintf(&b, " in %s", strings.Join(first.Rooms, ", "))
	}
	return b.String()
}

func groupData(g notification.Group) map[string]string {
	first, last := g.First(), g.Last()
	return map[string]string{
		"date":      strconv.Itoa(first.Date),
		"startTime": strconv.Itoa(first.StartTime),
		"endTime":   strconv.Itoa(last.EndTime),
		"subject":   first.Subject,
	}
}
