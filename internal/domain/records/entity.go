// Package records contains homework and exam records fetched from the
// upstream school API. Records are persisted per user, keyed by the upstream
// id, and attached to lessons during enrichment.
package records

import (
	"sort"
	"strings"
)

// Homework is a homework entry as delivered by the upstream API.
// Unique per (UserID, UntisID); refetching upserts in place.
type Homework struct {
	UntisID int64  `json:"untisId"`
	UserID  string `json:"userId"`

	// LessonID links the homework to an upstream lesson. Zero means the
	// upstream did not provide a linkage, which is common; enrichment then
	// falls back to subject/date matching.
	LessonID int64 `json:"lessonId,omitempty"`

	// DueDate in YYYYMMDD encoding.
	DueDate int `json:"dueDate"`

	Subject   string `json:"subject"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Exam is an exam entry as delivered by the upstream API.
// Unique per (UserID, UntisID).
type Exam struct {
	UntisID int64  `json:"untisId"`
	UserID  string `json:"userId"`

	// Date in YYYYMMDD, StartTime/EndTime in HHMM encoding.
	Date      int `json:"date"`
	StartTime int `json:"startTime"`
	EndTime   int `json:"endTime"`

	Subject  string   `json:"subject"`
	Teachers []string `json:"teachers,omitempty"`
	Rooms    []string `json:"rooms,omitempty"`
	Name     string   `json:"name"`
	Text     string   `json:"text"`
}

// SubjectEquals compares exam subjects case-insensitively.
func (e *Exam) SubjectEquals(subject string) bool {
	return e.Subject != "" && strings.EqualFold(e.Subject, subject)
}

// MergeExams collapses raw exam entries that share an upstream id into one
// record spanning the min/max time range. The upstream returns one entry per
// covered period, so a two-period exam arrives as two rows with the same id.
// Output is sorted by (date, start time, id) and deterministic regardless of
// input order.
func MergeExams(raw []Exam) []Exam {
	byID := make(map[int64]Exam, len(raw))
	for _, e := range raw {
		existing, ok := byID[e.UntisID]
		if !ok {
			byID[e.UntisID] = e
			continue
		}

		if minutes(e.StartTime) < minutes(existing.StartTime) {
			existing.StartTime = e.StartTime
		}
		if minutes(e.EndTime) > minutes(existing.EndTime) {
			existing.EndTime = e.EndTime
		}
		// Earlier date wins; the merged record anchors at the exam's first day.
		if e.Date < existing.Date {
			existing.Date = e.Date
		}
		if existing.Name == "" {
			existing.Name = e.Name
		}
		if existing.Text == "" {
			existing.Text = e.Text
		}
		existing.Teachers = mergeNames(existing.Teachers, e.Teachers)
		existing.Rooms = mergeNames(existing.Rooms, e.Rooms)

		byID[e.UntisID] = existing
	}

	merged := make([]Exam, 0, len(byID))
	for _, e := range byID {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Date != merged[j].Date {
			return merged[i].Date < merged[j].Date
		}
		if merged[i].StartTime != merged[j].StartTime {
			return merged[i].StartTime < merged[j].StartTime
		}
		return merged[i].UntisID < merged[j].UntisID
	})
	return merged
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func minutes(clock int) int {
	return (clock/100)*60 + clock%100
}
