// Package notification contains the notification domain model of the sync
// engine: record types, dedupe keys, lesson grouping, and the trigger
// predicates that decide what a timetable refresh is worth telling the user.
package notification

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION TYPE
// ══════════════════════════════════════════════════════════════════════════════

// Type identifies what kind of event a notification reports.
type Type string

const (
	// TypeCancelledLesson - a lesson (or a merged run of lessons) was cancelled.
	TypeCancelledLesson Type = "cancelled_lesson"

	// TypeIrregularLesson - a substitution, room change or similar deviation.
	TypeIrregularLesson Type = "irregular_lesson"

	// TypeUpcomingLesson - a lesson starts in a few minutes. Opt-in.
	TypeUpcomingLesson Type = "upcoming_lesson"

	// TypeTimetableChange - the periodic full-refresh comparison found a
	// difference against the previous snapshot.
	TypeTimetableChange Type = "timetable_change"

	// TypeAccessRequest - a user asked a manager for access approval.
	TypeAccessRequest Type = "access_request"

	// TypeAbsenceNew - a freshly fetched absence record is unknown locally.
	TypeAbsenceNew Type = "absence_new"

	// TypeAbsenceChange - a stored absence changed its excused status or reason.
	TypeAbsenceChange Type = "absence_change"
)

// IsValid reports whether the type is one of the known codes.
func (t Type) IsValid() bool {
	switch t {
	case TypeCancelledLesson, TypeIrregularLesson, TypeUpcomingLesson,
		TypeTimetableChange, TypeAccessRequest, TypeAbsenceNew, TypeAbsenceChange:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RECORD & INTENT
// ══════════════════════════════════════════════════════════════════════════════

// Record is a persisted notification. At most one record exists per
// (UserID, DedupeKey) when DedupeKey is set; the store enforces this with a
// partial unique index.
type Record struct {
	ID        string
	UserID    string
	Type      Type
	Title     string
	Message   string
	Data      map[string]string
	DedupeKey *string
	Sent      bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the record has passed its expiry.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Intent is a notification the engine has decided to create. Creation is
// idempotent on (UserID, DedupeKey); an intent without a dedupe key falls
// back to the legacy content-based suppression window.
type Intent struct {
	UserID    string
	Type      Type
	Title     string
	Message   string
	Data      map[string]string
	DedupeKey string
	ExpiresAt *time.Time
}

// Validate checks the intent for the fields creation requires.
func (i *Intent) Validate() error {
	if i.UserID == "" {
		return ErrMissingUser
	}
	if !i.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, i.Type)
	}
	if i.Title == "" && i.Message == "" {
		return ErrEmptyContent
	}
	return nil
}

// Common errors.
var (
	// ErrMissingUser is returned for intents without a recipient.
	ErrMissingUser = errors.New("notification: missing user id")

	// ErrInvalidType is returned for unknown notification types.
	ErrInvalidType = errors.New("notification: invalid type")

	// ErrEmptyContent is returned for intents with neither title nor message.
	ErrEmptyContent = errors.New("notification: empty content")

	// ErrDuplicate is returned by the store when the dedupe-key constraint
	// rejects an insert. Callers treat it as "already exists", not a failure.
	ErrDuplicate = errors.New("notification: duplicate dedupe key")
)

// legacyDedupeWindow is how far back the content-based fallback looks when
// an intent carries no dedupe key. Kept from the original engine even though
// it can suppress a distinct event that happens to render identical text.
const legacyDedupeWindow = 30 * 24 * time.Hour

// LegacyDedupeCutoff returns the oldest creation time a content-identical
// record may have to still suppress a keyless intent.
func LegacyDedupeCutoff(now time.Time) time.Time {
	return now.Add(-legacyDedupeWindow)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEDUPE KEYS
// ══════════════════════════════════════════════════════════════════════════════

// accessRequestBucket is the throttle window for access-request keys. Rapid
// retries inside one bucket collapse into a single notification while a
// legitimate re-request after a decline lands in a later bucket.
const accessRequestBucket = 5 * time.Minute

// LessonGroupKey builds the dedupe key for a lesson-group notification.
// The key pins the group's slot so a repeated refresh of the same state
// cannot notify twice, while a changed group produces a fresh key.
func LessonGroupKey(t Type, g Group) string {
	first, last := g.First(), g.Last()
	return fmt.Sprintf("%s:%d:%04d-%04d:%s", t, first.Date, first.StartTime, last.EndTime, first.Subject)
}

// UpcomingLessonKey builds the dedupe key for an upcoming-lesson reminder.
func UpcomingLessonKey(g Group) string {
	first := g.First()
	return fmt.Sprintf("%s:%d:%04d:%d", TypeUpcomingLesson, first.Date, first.StartTime, first.ID)
}

// AccessRequestKey builds the dedupe key for an access request: a 5-minute
// time bucket combined with a hash of the request content.
func AccessRequestKey(requesterID, content string, now time.Time) string {
	bucket := now.Unix() / int64(accessRequestBucket.Seconds())
	sum := sha256.Sum256([]byte(requesterID + ":" + content))
	return fmt.Sprintf("%s:%d:%s", TypeAccessRequest, bucket, hex.EncodeToString(sum[:8]))
}

// AbsenceKey builds the dedupe key for an absence notification. The excused
// flag and a hash of the reason are part of the key so a later status or
// reason change notifies again.
func AbsenceKey(t Type, untisID int64, excused bool, reason string) string {
	sum := sha256.Sum256([]byte(reason))
	return fmt.Sprintf("%s:%d:%t:%s", t, untisID, excused, hex.EncodeToString(sum[:8]))
}
