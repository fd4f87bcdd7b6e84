// Package untis implements the Untis school-server JSON-RPC client.
package untis

import (
	"errors"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/absence"
	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

// ErrNilDTO is returned when a mapper receives a nil DTO.
var ErrNilDTO = errors.New("nil DTO")

// ══════════════════════════════════════════════════════════════════════════════
// MAPPER - DTO to Domain Entity transformations
// ══════════════════════════════════════════════════════════════════════════════

// Mapper handles transformation between Untis API DTOs and domain entities.
// This follows the Anti-Corruption Layer pattern from DDD, protecting our
// domain from upstream wire-format changes.
type Mapper struct{}

// NewMapper creates a new Mapper instance.
func NewMapper() *Mapper {
	return &Mapper{}
}

// ══════════════════════════════════════════════════════════════════════════════
// LESSON MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// LessonFromPeriod converts a single timetable period to a domain Lesson.
func (m *Mapper) LessonFromPeriod(dto *PeriodDTO) (*timetable.Lesson, error) {
	if dto == nil {
		return nil, ErrNilDTO
	}

	l := &timetable.Lesson{
		ID:        dto.ID,
		Date:      dto.Date,
		StartTime: dto.StartTime,
		EndTime:   dto.EndTime,
		Subject:   firstElementName(dto.Su),
		Teachers:  elementNames(dto.Te),
		Rooms:     elementNames(dto.Ro),
		Status:    statusFromCode(dto.Code),
	}

	// Homework items may link to the course number instead of the period id.
	if dto.LessonNumber != 0 && dto.LessonNumber != dto.ID {
		l.AliasIDs = append(l.AliasIDs, dto.LessonNumber)
	}

	return l, nil
}

// LessonsFromPeriods converts a timetable result to sorted domain lessons.
// Periods that cannot be mapped are skipped; the upstream occasionally emits
// placeholder rows without a date.
func (m *Mapper) LessonsFromPeriods(dtos []PeriodDTO) []timetable.Lesson {
	lessons := make([]timetable.Lesson, 0, len(dtos))
	for i := range dtos {
		if dtos[i].Date == 0 {
			continue
		}
		l, err := m.LessonFromPeriod(&dtos[i])
		if err != nil {
			continue
		}
		lessons = append(lessons, *l)
	}
	timetable.SortLessons(lessons)
	return lessons
}

// statusFromCode maps the upstream period code to a lesson status.
func statusFromCode(code string) timetable.LessonStatus {
	switch code {
	case "cancelled":
		return timetable.StatusCancelled
	case "irregular":
		return timetable.StatusIrregular
	default:
		return timetable.StatusRegular
	}
}

func elementNames(els []ElementDTO) []string {
	if len(els) == 0 {
		return nil
	}
	names := make([]string, 0, len(els))
	for _, el := range els {
		if name := el.DisplayName(); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func firstElementName(els []ElementDTO) string {
	for _, el := range els {
		if name := el.DisplayName(); name != "" {
			return name
		}
	}
	return ""
}

// ══════════════════════════════════════════════════════════════════════════════
// HOMEWORK MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// HomeworkFromResult converts a getHomeWorks result to domain records,
// resolving each item's subject through the accompanying lesson list.
func (m *Mapper) HomeworkFromResult(userID timetable.UserID, dto *HomeworkResultDTO) ([]records.Homework, error) {
	if dto == nil {
		return nil, ErrNilDTO
	}

	subjects := make(map[int64]string, len(dto.Lessons))
	for _, l := range dto.Lessons {
		subjects[l.ID] = l.Subject
	}

	out := make([]records.Homework, 0, len(dto.Homeworks))
	for _, h := range dto.Homeworks {
		out = append(out, records.Homework{
			UntisID:   h.ID,
			UserID:    userID.String(),
			LessonID:  h.LessonID,
			DueDate:   h.DueDate,
			Subject:   subjects[h.LessonID],
			Text:      h.Text,
			Completed: h.Completed,
		})
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EXAM MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// ExamsFromDTOs converts raw exam entries to domain records, merging
// split entries that share an upstream id.
func (m *Mapper) ExamsFromDTOs(userID timetable.UserID, dtos []ExamDTO) []records.Exam {
	raw := make([]records.Exam, 0, len(dtos))
	for _, e := range dtos {
		raw = append(raw, records.Exam{
			UntisID:   e.ID,
			UserID:    userID.String(),
			Date:      e.ExamDate,
			StartTime: e.StartTime,
			EndTime:   e.EndTime,
			Subject:   e.Subject,
			Teachers:  e.Teachers,
			Rooms:     e.Rooms,
			Name:      e.Name,
			Text:      e.Text,
		})
	}
	return records.MergeExams(raw)
}

// ══════════════════════════════════════════════════════════════════════════════
// ABSENCE AND HOLIDAY MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// AbsencesFromDTOs converts absence entries to domain records.
func (m *Mapper) AbsencesFromDTOs(userID timetable.UserID, dtos []AbsenceDTO) []absence.Record {
	out := make([]absence.Record, 0, len(dtos))
	for _, a := range dtos {
		rec := absence.Record{
			UntisID:   a.ID,
			UserID:    userID.String(),
			StartDate: a.StartDate,
			EndDate:   a.EndDate,
			Excused:   a.Excused,
			Reason:    a.Reason,
		}
		if a.CreatedAt > 0 {
			rec.CreatedAt = time.UnixMilli(a.CreatedAt).UTC()
		}
		out = append(out, rec)
	}
	return out
}

// HolidaysFromDTOs converts holiday entries to the domain representation.
func (m *Mapper) HolidaysFromDTOs(dtos []HolidayDTO) []timetable.Holiday {
	out := make([]timetable.Holiday, 0, len(dtos))
	for _, h := range dtos {
		name := h.LongName
		if name == "" {
			name = h.Name
		}
		out = append(out, timetable.Holiday{
			ID:        h.ID,
			Name:      name,
			StartDate: h.StartDate,
			EndDate:   h.EndDate,
		})
	}
	return out
}
