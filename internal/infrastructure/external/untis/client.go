// Package untis implements the Untis school-server JSON-RPC client.
package untis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/absence"
	"github.com/untis-hub/untis-sync-hub/internal/domain/records"
	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/pkg/circuitbreaker"
	"github.com/untis-hub/untis-sync-hub/pkg/retry"
	"github.com/untis-hub/untis-sync-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the Untis RPC client.
type ClientConfig struct {
	// BaseURL is the server base URL, e.g. https://example.webuntis.com
	BaseURL string

	// ClientName identifies this client in the authenticate call
	ClientName string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// RateLimiterConfig for API rate limiting
	RateLimiterConfig RateLimiterConfig

	// Retry behavior for transient failures
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Circuit breaker settings
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// Logger for structured logging
	Logger *slog.Logger

	// Debug enables request logging
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		ClientName:        "untis-sync-hub",
		Timeout:           30 * time.Second,
		RateLimiterConfig: DefaultRateLimiterConfig(),
		MaxRetries:        3,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
		BreakerThreshold:  3,
		BreakerTimeout:    60 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

// Session is an authenticated Untis session. Sessions are short-lived:
// callers log in, fetch, and log out within one sync pass.
type Session struct {
	// School is the school login name, sent as a query parameter.
	School string

	// PersonID is the timetable element the session may query.
	PersonID int64

	// PersonType identifies the account kind (5 = student).
	PersonType int

	// KlasseID is the class the person belongs to, if any.
	KlasseID int64

	sessionID string
}

// Authenticated reports whether the session carries a server cookie.
func (s *Session) Authenticated() bool {
	return s != nil && s.sessionID != ""
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the Untis JSON-RPC API client.
type Client struct {
	config      ClientConfig
	httpClient  *http.Client
	logger      *slog.Logger
	rateLimiter *RateLimiter
	breaker     *circuitbreaker.CircuitBreaker
	retrier     *retry.Retrier
	mapper      *Mapper

	rpcSeq atomic.Int64
}

// NewClient creates a new Untis API client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:      config.Logger,
		rateLimiter: NewRateLimiter(config.RateLimiterConfig),
		mapper:      NewMapper(),
	}

	c.breaker = circuitbreaker.New("untis-api",
		circuitbreaker.WithFailureThreshold(config.BreakerThreshold),
		circuitbreaker.WithTimeout(config.BreakerTimeout),
		circuitbreaker.WithIsFailure(isTransient),
		circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
			config.Logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		}),
	)

	c.retrier = retry.New(
		retry.WithMaxAttempts(config.MaxRetries+1),
		retry.WithInitialDelay(config.RetryBaseDelay),
		retry.WithMaxDelay(config.RetryMaxDelay),
		retry.WithRetryIf(isTransient),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			config.Logger.Debug("retrying untis call",
				"attempt", attempt, "delay", delay.String(), "error", err)
		}),
	)

	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATION OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Login establishes an authenticated session for the given school account.
// A rejected username/password pair maps to ErrBadCredentials; any other
// failure maps to ErrLoginFailed.
func (c *Client) Login(ctx context.Context, school, username, password string) (*Session, error) {
	var result SessionDTO
	err := c.call(ctx, nil, school, "authenticate", authParams{
		User:     username,
		Password: password,
		Client:   c.config.ClientName,
	}, &result)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcCodeBadCredentials {
			return nil, fmt.Errorf("authenticate %s: %w", school, timetable.ErrBadCredentials)
		}
		return nil, fmt.Errorf("authenticate %s: %w: %w", school, timetable.ErrLoginFailed, err)
	}

	if result.SessionID == "" {
		return nil, fmt.Errorf("authenticate %s: empty session id: %w", school, timetable.ErrLoginFailed)
	}

	return &Session{
		School:     school,
		PersonID:   result.PersonID,
		PersonType: result.PersonType,
		KlasseID:   result.KlasseID,
		sessionID:  result.SessionID,
	}, nil
}

// Logout invalidates the session on the server. Best effort: the session
// expires server-side anyway, so callers typically log failures and move on.
func (c *Client) Logout(ctx context.Context, sess *Session) error {
	if !sess.Authenticated() {
		return nil
	}
	if err := c.call(ctx, sess, sess.School, "logout", struct{}{}, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	sess.sessionID = ""
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMETABLE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// LessonsForRange fetches the session owner's lessons for the given range,
// mapped to sorted domain lessons.
func (c *Client) LessonsForRange(ctx context.Context, sess *Session, start, end time.Time) ([]timetable.Lesson, error) {
	params := timetableParams{
		Options: timetableOptions{
			Element:          elementRef{ID: sess.PersonID, Type: sess.PersonType},
			StartDate:        timeutil.DateInt(start),
			EndDate:          timeutil.DateInt(end),
			ShowLsNumber:     true,
			ShowStudentgroup: true,
			SubjectFields:    []string{"id", "name", "longname"},
			TeacherFields:    []string{"id", "name", "longname"},
			RoomFields:       []string{"id", "name", "longname"},
		},
	}

	var periods []PeriodDTO
	if err := c.call(ctx, sess, sess.School, "getTimetable", params, &periods); err != nil {
		return nil, fmt.Errorf("get timetable %d-%d: %w: %w",
			timeutil.DateInt(start), timeutil.DateInt(end), timetable.ErrFetchFailed, err)
	}

	return c.mapper.LessonsFromPeriods(periods), nil
}

// LessonsForWeek fetches the full ISO week containing the given day.
// Used as a per-week fallback iteration when range queries come back empty.
func (c *Client) LessonsForWeek(ctx context.Context, sess *Session, day time.Time) ([]timetable.Lesson, error) {
	week := timetable.WeekRange(day)
	return c.LessonsForRange(ctx, sess, week.Start, week.End)
}

// ══════════════════════════════════════════════════════════════════════════════
// HOMEWORK AND EXAM OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// HomeworkForRange fetches homework due inside the range, with subjects
// resolved through the upstream lesson list.
func (c *Client) HomeworkForRange(ctx context.Context, sess *Session, userID timetable.UserID, start, end time.Time) ([]records.Homework, error) {
	params := dateRangeParams{
		StartDate: timeutil.DateInt(start),
		EndDate:   timeutil.DateInt(end),
	}

	var result HomeworkResultDTO
	if err := c.call(ctx, sess, sess.School, "getHomeWorks", params, &result); err != nil {
		return nil, fmt.Errorf("get homework %d-%d: %w: %w",
			params.StartDate, params.EndDate, timetable.ErrFetchFailed, err)
	}

	return c.mapper.HomeworkFromResult(userID, &result)
}

// ExamsForRange fetches exams inside the range. Raw entries sharing an id
// are merged into single records before return.
func (c *Client) ExamsForRange(ctx context.Context, sess *Session, userID timetable.UserID, start, end time.Time) ([]records.Exam, error) {
	params := examParams{
		StartDate: timeutil.DateInt(start),
		EndDate:   timeutil.DateInt(end),
	}

	var dtos []ExamDTO
	if err := c.call(ctx, sess, sess.School, "getExams", params, &dtos); err != nil {
		return nil, fmt.Errorf("get exams %d-%d: %w: %w",
			params.StartDate, params.EndDate, timetable.ErrFetchFailed, err)
	}

	return c.mapper.ExamsFromDTOs(userID, dtos), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ABSENCE AND HOLIDAY OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// AbsencesForRange fetches the session owner's absence records.
func (c *Client) AbsencesForRange(ctx context.Context, sess *Session, userID timetable.UserID, start, end time.Time) ([]absence.Record, error) {
	params := dateRangeParams{
		StartDate: timeutil.DateInt(start),
		EndDate:   timeutil.DateInt(end),
	}

	var result absenceResultDTO
	if err := c.call(ctx, sess, sess.School, "getStudentAbsences", params, &result); err != nil {
		return nil, fmt.Errorf("get absences %d-%d: %w: %w",
			params.StartDate, params.EndDate, timetable.ErrFetchFailed, err)
	}

	return c.mapper.AbsencesFromDTOs(userID, result.Absences), nil
}

// Holidays fetches the school's holiday periods.
func (c *Client) Holidays(ctx context.Context, sess *Session) ([]timetable.Holiday, error) {
	var dtos []HolidayDTO
	if err := c.call(ctx, sess, sess.School, "getHolidays", struct{}{}, &dtos); err != nil {
		return nil, fmt.Errorf("get holidays: %w: %w", timetable.ErrFetchFailed, err)
	}
	return c.mapper.HolidaysFromDTOs(dtos), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RPC TRANSPORT
// ══════════════════════════════════════════════════════════════════════════════

// call performs a JSON-RPC call with rate limiting, circuit breaking, and
// retries. RPC application errors are never retried; transport and 5xx
// failures are.
func (c *Client) call(ctx context.Context, sess *Session, school, method string, params, result interface{}) error {
	if err := c.rateLimiter.Allow(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.doSingleCall(ctx, sess, school, method, params, result)
		})
	})
}

// doSingleCall performs a single JSON-RPC request.
func (c *Client) doSingleCall(ctx context.Context, sess *Session, school, method string, params, result interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{
		ID:      strconv.FormatInt(c.rpcSeq.Add(1), 10),
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	fullURL := c.config.BaseURL + "/WebUntis/jsonrpc.do?school=" + url.QueryEscape(school)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sess.Authenticated() {
		req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: sess.sessionID})
	}

	if c.config.Debug {
		c.logger.Debug("untis rpc request", "method", method, "school", school)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.rateLimiter.RecordRateLimitHit()
		return &transportError{err: fmt.Errorf("server rate limit: status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return &transportError{err: fmt.Errorf("server error: status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: status %d", resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// transportError marks failures of the transport itself, which are safe to
// retry and count toward the circuit breaker.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// isTransient reports whether an error is worth retrying and should trip
// the circuit breaker. RPC application errors are neither.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH AND STATUS
// ══════════════════════════════════════════════════════════════════════════════

// ClientStatus describes the current state of the client internals.
type ClientStatus struct {
	RateLimiter  RateLimiterStatus
	BreakerState circuitbreaker.State
}

// Status returns the current status of the client.
func (c *Client) Status() ClientStatus {
	return ClientStatus{
		RateLimiter:  c.rateLimiter.Status(),
		BreakerState: c.breaker.State(),
	}
}

// Reset resets the rate limiter and circuit breaker.
func (c *Client) Reset() {
	c.rateLimiter.Reset()
	c.breaker.Reset()
}
