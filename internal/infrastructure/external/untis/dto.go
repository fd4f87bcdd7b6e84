// Package untis implements the Untis school-server JSON-RPC client.
// This package handles all communication with the upstream timetable
// provider, including session management and fetching lessons, homework,
// exams, absences, and holidays.
package untis

import (
	"encoding/json"
	"fmt"
)

// ══════════════════════════════════════════════════════════════════════════════
// JSON-RPC ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// rpcRequest is the JSON-RPC 2.0 request envelope used by the Untis server.
type rpcRequest struct {
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	JSONRPC string      `json:"jsonrpc"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// RPCError is an application-level error returned in the RPC envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPC error codes the server is known to return.
const (
	// rpcCodeBadCredentials is returned by authenticate when the
	// username/password pair is rejected.
	rpcCodeBadCredentials = -8504

	// rpcCodeNotAuthenticated is returned when the session cookie has
	// expired or was never established.
	rpcCodeNotAuthenticated = -8520

	// rpcCodeNoRight is returned when the account may not read the
	// requested element.
	rpcCodeNoRight = -8509
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION DTOs
// ══════════════════════════════════════════════════════════════════════════════

// SessionDTO is the result of the authenticate method.
type SessionDTO struct {
	// SessionID is the JSESSIONID to send with subsequent calls.
	SessionID string `json:"sessionId"`

	// PersonType identifies the account kind (5 = student, 2 = teacher).
	PersonType int `json:"personType"`

	// PersonID is the element id used for timetable queries.
	PersonID int64 `json:"personId"`

	// KlasseID is the class the person belongs to, if any.
	KlasseID int64 `json:"klasseId"`
}

// authParams are the parameters of the authenticate method.
type authParams struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Client   string `json:"client"`
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMETABLE DTOs
// ══════════════════════════════════════════════════════════════════════════════

// ElementDTO is a subject, teacher, or room reference inside a period.
type ElementDTO struct {
	ID int64 `json:"id"`

	// Name is the short display name (e.g. "MATH", "SMI").
	Name string `json:"name"`

	// Longname is the full display name, often empty.
	Longname string `json:"longname,omitempty"`

	// Orgname carries the original name when the element was substituted.
	Orgname string `json:"orgname,omitempty"`
}

// DisplayName prefers the short name and falls back to the long form.
func (e ElementDTO) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Longname
}

// PeriodDTO is a single timetable period as returned by getTimetable.
type PeriodDTO struct {
	ID int64 `json:"id"`

	// LessonNumber groups periods of the same course; homework items
	// frequently link to this id instead of the period id.
	LessonNumber int64 `json:"lsnumber,omitempty"`

	// Date in YYYYMMDD encoding.
	Date int `json:"date"`

	// StartTime and EndTime in HHMM encoding.
	StartTime int `json:"startTime"`
	EndTime   int `json:"endTime"`

	// Code is empty for regular periods, "cancelled" or "irregular" otherwise.
	Code string `json:"code,omitempty"`

	// Element lists: subjects, teachers, rooms.
	Su []ElementDTO `json:"su,omitempty"`
	Te []ElementDTO `json:"te,omitempty"`
	Ro []ElementDTO `json:"ro,omitempty"`

	// LessonText is free-form text attached by the school.
	LessonText string `json:"lstext,omitempty"`
}

// timetableParams are the parameters of the getTimetable method.
type timetableParams struct {
	Options timetableOptions `json:"options"`
}

type timetableOptions struct {
	Element          elementRef `json:"element"`
	StartDate        int        `json:"startDate"`
	EndDate          int        `json:"endDate"`
	ShowLsNumber     bool       `json:"showLsNumber"`
	ShowStudentgroup bool       `json:"showStudentgroup"`
	SubjectFields    []string   `json:"subjectFields"`
	TeacherFields    []string   `json:"teacherFields"`
	RoomFields       []string   `json:"roomFields"`
}

type elementRef struct {
	ID   int64 `json:"id"`
	Type int   `json:"type"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HOMEWORK DTOs
// ══════════════════════════════════════════════════════════════════════════════

// HomeworkDTO is a single homework item.
type HomeworkDTO struct {
	ID int64 `json:"id"`

	// LessonID links the item to a lesson. Frequently absent upstream,
	// in which case subject matching applies downstream.
	LessonID int64 `json:"lessonId,omitempty"`

	// Date the homework was assigned, DueDate when it is due (YYYYMMDD).
	Date    int `json:"date"`
	DueDate int `json:"dueDate"`

	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// HomeworkLessonDTO names the course a homework item belongs to.
type HomeworkLessonDTO struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
}

// HomeworkResultDTO is the result of getHomeWorks: the items plus the
// lesson records needed to resolve their subjects.
type HomeworkResultDTO struct {
	Homeworks []HomeworkDTO       `json:"homeworks"`
	Lessons   []HomeworkLessonDTO `json:"lessons"`
}

// dateRangeParams are shared by the range-bounded fetch methods.
type dateRangeParams struct {
	StartDate int `json:"startDate"`
	EndDate   int `json:"endDate"`
}

// ══════════════════════════════════════════════════════════════════════════════
// EXAM DTOs
// ══════════════════════════════════════════════════════════════════════════════

// ExamDTO is a single raw exam entry. Multiple entries sharing an id are
// merged into one record downstream before storage.
type ExamDTO struct {
	ID int64 `json:"id"`

	// ExamDate in YYYYMMDD, times in HHMM encoding.
	ExamDate  int `json:"examDate"`
	StartTime int `json:"startTime"`
	EndTime   int `json:"endTime"`

	Subject  string   `json:"subject,omitempty"`
	Teachers []string `json:"teachers,omitempty"`
	Rooms    []string `json:"rooms,omitempty"`

	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

// examParams are the parameters of the getExams method.
type examParams struct {
	ExamTypeID int `json:"examTypeId"`
	StartDate  int `json:"startDate"`
	EndDate    int `json:"endDate"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ABSENCE AND HOLIDAY DTOs
// ══════════════════════════════════════════════════════════════════════════════

// AbsenceDTO is a single student absence record.
type AbsenceDTO struct {
	ID int64 `json:"id"`

	// Dates in YYYYMMDD encoding.
	StartDate int `json:"startDate"`
	EndDate   int `json:"endDate"`

	Excused bool   `json:"excused"`
	Reason  string `json:"reason,omitempty"`

	// CreatedAt is a unix millisecond timestamp, 0 when absent.
	CreatedAt int64 `json:"createdAt,omitempty"`
}

// absenceResultDTO wraps the getStudentAbsences result.
type absenceResultDTO struct {
	Absences []AbsenceDTO `json:"absences"`
}

// HolidayDTO is a school holiday period.
type HolidayDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	LongName  string `json:"longName,omitempty"`
	StartDate int    `json:"startDate"`
	EndDate   int    `json:"endDate"`
}
