package timetable

import "github.com/untis-hub/untis-sync-hub/internal/domain/records"

// Preference is the outcome of comparing two lessons claiming the same exam.
type Preference int

const (
	// PreferBoth means the lessons scored identically and both keep the exam.
	PreferBoth Preference = iota
	// PreferFirst means the first lesson keeps the exam.
	PreferFirst
	// PreferSecond means the second lesson keeps the exam.
	PreferSecond
)

// Scoring weights for exam-conflict resolution. A subject match outweighs
// everything else; a real (non-placeholder) teacher outweighs merely having
// a subject at all.
const (
	scoreSubjectMatch = 10
	scoreRealTeacher  = 5
	scoreHasSubject   = 1
)

// PreferLessonForExam decides which of two time-overlapping lessons keeps an
// exam both of them claim. Exposed as its own function so the weights can be
// tested in isolation from the enrichment pipeline. Deterministic: identical
// inputs always produce the same preference.
func PreferLessonForExam(a, b *Lesson, exam *records.Exam) Preference {
	sa, sb := examAffinity(a, exam), examAffinity(b, exam)
	switch {
	case sa > sb:
		return PreferFirst
	case sb > sa:
		return PreferSecond
	default:
		return PreferBoth
	}
}

// examAffinity scores how plausibly a lesson is the one an exam belongs to.
func examAffinity(l *Lesson, exam *records.Exam) int {
	score := 0
	if exam != nil && exam.SubjectEquals(l.Subject) {
		score += scoreSubjectMatch
	}
	if l.HasRealTeacher() {
		score += scoreRealTeacher
	}
	if l.Subject != "" {
		score += scoreHasSubject
	}
	return score
}
