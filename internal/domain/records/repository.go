package records

import "context"

// Repository persists homework and exam records. Upserts are keyed by
// (userID, untisID) and must be safe to retry.
type Repository interface {
	// UpsertHomework inserts or updates homework records for a user.
	UpsertHomework(ctx context.Context, items []Homework) error

	// UpsertExams inserts or updates exam records for a user.
	// Callers pass merged records (see MergeExams).
	UpsertExams(ctx context.Context, items []Exam) error

	// HomeworkForRange returns a user's homework due within the
	// [startDate, endDate] YYYYMMDD range.
	HomeworkForRange(ctx context.Context, userID string, startDate, endDate int) ([]Homework, error)

	// ExamsForRange returns a user's exams within the
	// [startDate, endDate] YYYYMMDD range.
	ExamsForRange(ctx context.Context, userID string, startDate, endDate int) ([]Exam, error)
}
