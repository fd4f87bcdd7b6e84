// Package timetable contains the domain model of the timetable sync engine:
// lessons, persisted snapshots, range normalization, and the enrichment rules
// that attach homework and exam records to lessons.
package timetable

import (
	"sort"
	"strings"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// UserID identifies the owner of a timetable.
type UserID string

// IsValid reports whether the ID is non-empty.
func (id UserID) IsValid() bool {
	return len(id) > 0
}

// String returns the string form of the ID.
func (id UserID) String() string {
	return string(id)
}

// LessonStatus classifies a lesson as delivered by the upstream API.
type LessonStatus string

const (
	// StatusRegular is a lesson taking place as planned.
	StatusRegular LessonStatus = "regular"

	// StatusCancelled is a lesson that will not take place.
	StatusCancelled LessonStatus = "cancelled"

	// StatusIrregular is a lesson with a substitution, room change
	// or other deviation from the regular plan.
	StatusIrregular LessonStatus = "irregular"
)

// IsValid reports whether the status is one of the known codes.
func (s LessonStatus) IsValid() bool {
	switch s {
	case StatusRegular, StatusCancelled, StatusIrregular:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LESSON
// ══════════════════════════════════════════════════════════════════════════════

// Lesson is a single timetable entry. Lessons are transient: they are
// reconstructed from the upstream payload on every enrichment pass and only
// persisted as part of a snapshot's payload, never as rows of their own.
type Lesson struct {
	// ID is the upstream lesson identifier.
	ID int64 `json:"id"`

	// AliasIDs holds additional upstream identifiers that refer to the same
	// lesson (period ids of merged entries). Homework may link to any alias.
	AliasIDs []int64 `json:"aliasIds,omitempty"`

	// Date in YYYYMMDD encoding.
	Date int `json:"date"`

	// StartTime and EndTime in HHMM encoding.
	StartTime int `json:"startTime"`
	EndTime   int `json:"endTime"`

	Subject  string   `json:"subject"`
	Teachers []string `json:"teachers"`
	Rooms    []string `json:"rooms"`

	Status LessonStatus `json:"status"`

	// Attached enrichment records, filled by Enrich.
	Homework []records.Homework `json:"homework,omitempty"`
	Exams    []records.Exam     `json:"exams,omitempty"`
}

// HasAlias reports whether the given upstream id refers to this lesson.
func (l *Lesson) HasAlias(id int64) bool {
	if id == l.ID {
		return true
	}
	for _, alias := range l.AliasIDs {
		if alias == id {
			return true
		}
	}
	return false
}

// SubjectEquals compares subjects case-insensitively.
func (l *Lesson) SubjectEquals(subject string) bool {
	return subject != "" && strings.EqualFold(l.Subject, subject)
}

// HasRealTeacher reports whether the lesson has at least one teacher that is
// not an upstream placeholder. Substituted lessons often carry "---" or "?".
func (l *Lesson) HasRealTeacher() bool {
	for _, t := range l.Teachers {
		switch strings.TrimSpace(t) {
		case "", "---", "?":
		default:
			return true
		}
	}
	return false
}

// Ended reports whether the lesson's end time has passed at the given
// reference time in loc.
func (l *Lesson) Ended(now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	end := lessonClock(l.Date, l.EndTime, loc)
	return now.After(end)
}

// SortLessons orders lessons by (date, start time, id) in place. Every
// pipeline stage sorts before comparing so that output never depends on the
// order the upstream API happened to return entries in.
func SortLessons(lessons []Lesson) {
	sort.Slice(lessons, func(i, j int) bool {
		if lessons[i].Date != lessons[j].Date {
			return lessons[i].Date < lessons[j].Date
		}
		if lessons[i].StartTime != lessons[j].StartTime {
			return lessons[i].StartTime < lessons[j].StartTime
		}
		return lessons[i].ID < lessons[j].ID
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot is a persisted, timestamped copy of a user's lessons for a
// normalized date range. Snapshots are immutable once created; refreshing a
// range creates a new snapshot and retention pruning removes old ones.
type Snapshot struct {
	ID         string
	UserID     UserID
	RangeStart *time.Time
	RangeEnd   *time.Time
	Lessons    []Lesson
	CreatedAt  time.Time
}

// Age returns how old the snapshot is at the given reference time.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Fresh reports whether the snapshot is still within the freshness window.
func (s *Snapshot) Fresh(now time.Time, ttl time.Duration) bool {
	return s.Age(now) < ttl
}

// MatchesRange reports whether the snapshot covers exactly the given
// normalized range.
func (s *Snapshot) MatchesRange(start, end *time.Time) bool {
	return timeEqual(s.RangeStart, start) && timeEqual(s.RangeEnd, end)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func lessonClock(date, clock int, loc *time.Location) time.Time {
	year := date / 10000
	month := (date / 100) % 100
	day := date % 100
	return time.Date(year, time.Month(month), day, clock/100, clock%100, 0, 0, loc)
}
