package timetable

import (
	"sort"

	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
	"github.com/untis-hub/untis-sync-hub/pkg/timeutil"
)

// maxHomeworkDateDistance bounds the subject-based homework fallback to
// lessons within a week of the due date. The upstream frequently omits the
// lesson linkage, but matching on subject alone would attach the same
// homework to every lesson of that subject in the whole range.
const maxHomeworkDateDistance = 7

// Enrich attaches homework and exam records to lessons and resolves exams
// claimed by multiple overlapping lessons. It is a pure function: it never
// mutates its inputs and its output is deterministic for the same multiset
// of lessons, homework and exams regardless of input order.
func Enrich(lessons []Lesson, homework []records.Homework, exams []records.Exam) []Lesson {
	enriched := make([]Lesson, len(lessons))
	copy(enriched, lessons)
	SortLessons(enriched)

	hw := make([]records.Homework, len(homework))
	copy(hw, homework)
	sort.Slice(hw, func(i, j int) bool { return hw[i].UntisID < hw[j].UntisID })

	ex := make([]records.Exam, len(exams))
	copy(ex, exams)
	sort.Slice(ex, func(i, j int) bool { return ex[i].UntisID < ex[j].UntisID })

	for i := range enriched {
		enriched[i].Homework = nil
		enriched[i].Exams = nil
		for _, h := range hw {
			if homeworkMatches(&enriched[i], h) {
				enriched[i].Homework = append(enriched[i].Homework, h)
			}
		}
		for _, e := range ex {
			if examMatches(&enriched[i], e) {
				enriched[i].Exams = append(enriched[i].Exams, e)
			}
		}
	}

	resolveExamConflicts(enriched)

	return enriched
}

// homeworkMatches reports whether a homework record belongs to a lesson.
// A direct lesson-id linkage always wins; otherwise the subject must match
// case-insensitively and the due date has to be within a week of the lesson.
func homeworkMatches(l *Lesson, h records.Homework) bool {
	if h.LessonID != 0 && l.HasAlias(h.LessonID) {
		return true
	}
	if h.Subject == "" || !l.SubjectEquals(h.Subject) {
		return false
	}
	return timeutil.DaysBetweenDateInts(h.DueDate, l.Date) <= maxHomeworkDateDistance
}

// examMatches reports whether an exam record belongs to a lesson. Dates must
// match exactly and cancelled lessons never carry exams. A subject match is
// sufficient on its own; a time overlap only counts when the exam has no
// subject of its own or the subjects agree — an exam with a different named
// subject never attaches purely because the times overlap.
func examMatches(l *Lesson, e records.Exam) bool {
	if e.Date != l.Date || l.Status == StatusCancelled {
		return false
	}
	if e.SubjectEquals(l.Subject) {
		return true
	}
	if !timeutil.Overlaps(e.StartTime, e.EndTime, l.StartTime, l.EndTime) {
		return false
	}
	return e.Subject == "" || e.SubjectEquals(l.Subject)
}

// resolveExamConflicts removes exam attachments from the weaker lesson of
// every overlapping pair that claims the same exam. Split and parallel
// groups produce lessons sharing a slot, and the time-overlap rule can
// attach one exam to several of them.
func resolveExamConflicts(lessons []Lesson) {
	type claim struct {
		lesson int // index into lessons
	}
	claims := make(map[int64][]claim)
	for i := range lessons {
		for _, e := range lessons[i].Exams {
			claims[e.UntisID] = append(claims[e.UntisID], claim{lesson: i})
		}
	}

	for examID, cs := range claims {
		if len(cs) < 2 {
			continue
		}
		// detachExam compacts Exams slices in place, so score against a
		// copy: a pointer into the slice would re-aim at a different exam
		// once an earlier pair detaches.
		exam := *findExam(&lessons[cs[0].lesson], examID)
		for i := 0; i < len(cs); i++ {
			for j := i + 1; j < len(cs); j++ {
				a, b := &lessons[cs[i].lesson], &lessons[cs[j].lesson]
				if a.Date != b.Date || !timeutil.Overlaps(a.StartTime, a.EndTime, b.StartTime, b.EndTime) {
					continue
				}
				switch PreferLessonForExam(a, b, &exam) {
				case PreferFirst:
					detachExam(b, examID)
				case PreferSecond:
					detachExam(a, examID)
				case PreferBoth:
					// Exact tie: the attachment stays on both lessons.
				}
			}
		}
	}
}

func findExam(l *Lesson, examID int64) *records.Exam {
	for i := range l.Exams {
		if l.Exams[i].UntisID == examID {
			return &l.Exams[i]
		}
	}
	return nil
}

func detachExam(l *Lesson, examID int64) {
	out := l.Exams[:0]
	for _, e := range l.Exams {
		if e.UntisID != examID {
			out = append(out, e)
		}
	}
	l.Exams = out
	if len(l.Exams) == 0 {
		l.Exams = nil
	}
}
