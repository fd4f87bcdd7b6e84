package service

import (
	"context"
	"fmt"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/absence"
	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/external/untis"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/secrets"
)

// Upstream is the slice of the Untis client the services depend on.
// Satisfied by *untis.Client; tests substitute an in-memory fake.
type Upstream interface {
	Login(ctx context.Context, school, username, password string) (*untis.Session, error)
	Logout(ctx context.Context, sess *untis.Session) error
	LessonsForRange(ctx context.Context, sess *untis.Session, start, end time.Time) ([]timetable.Lesson, error)
	HomeworkForRange(ctx context.Context, sess *untis.Session, userID timetable.UserID, start, end time.Time) ([]records.Homework, error)
	ExamsForRange(ctx context.Context, sess *untis.Session, userID timetable.UserID, start, end time.Time) ([]records.Exam, error)
	AbsencesForRange(ctx context.Context, sess *untis.Session, userID timetable.UserID, start, end time.Time) ([]absence.Record, error)
	Holidays(ctx context.Context, sess *untis.Session) ([]timetable.Holiday, error)
}

// SessionManager turns a stored user credential into an authenticated
// upstream session. Credential problems surface as the fatal sync errors;
// login problems as the retryable ones.
type SessionManager struct {
	box      *secrets.Box
	upstream Upstream
}

// NewSessionManager creates a session manager over the given secret box and
// upstream client.
func NewSessionManager(box *secrets.Box, upstream Upstream) *SessionManager {
	return &SessionManager{box: box, upstream: upstream}
}

// SessionFor decrypts the user's stored credential and logs in.
func (m *SessionManager) SessionFor(ctx context.Context, u *user.User) (*untis.Session, error) {
	if !u.HasCredentials() {
		return nil, fmt.Errorf("%w: user %s", timetable.ErrMissingCredential, u.ID)
	}

	creds, err := m.box.Open(u.SecretCiphertext)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", u.ID, err)
	}

	school := creds.School
	if school == "" {
		school = u.School
	}
	return m.upstream.Login(ctx, school, creds.Username, creds.Password)
}

// Release ends the session upstream. Best effort; errors only matter to the
// session quota on the Untis side, never to the caller's result.
func (m *SessionManager) Release(ctx context.Context, sess *untis.Session) {
	if sess == nil {
		return
	}
	_ = m.upstream.Logout(ctx, sess)
}
