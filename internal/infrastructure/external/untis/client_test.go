package untis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

// testClientConfig returns a config without retry delays or rate limiting
// so tests run fast.
func testClientConfig(baseURL string) ClientConfig {
	cfg := DefaultClientConfig(baseURL)
	cfg.MaxRetries = 0
	cfg.RateLimiterConfig = RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		MinInterval:       0,
		WaitTimeout:       time.Second,
	}
	return cfg
}

func rpcHandler(t *testing.T, handle func(method string, params json.RawMessage) (interface{}, *RPCError)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handle(req.Method, req.Params)

		resp := map[string]interface{}{"id": req.ID, "jsonrpc": "2.0"}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func TestLogin_Success(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(method string, _ json.RawMessage) (interface{}, *RPCError) {
		assert.Equal(t, "authenticate", method)
		return SessionDTO{SessionID: "abc123", PersonType: 5, PersonID: 42, KlasseID: 7}, nil
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	sess, err := client.Login(context.Background(), "demo-school", "student", "secret")

	require.NoError(t, err)
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "demo-school", sess.School)
	assert.Equal(t, int64(42), sess.PersonID)
	assert.Equal(t, 5, sess.PersonType)
}

func TestLogin_BadCredentials(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(_ string, _ json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: rpcCodeBadCredentials, Message: "bad credentials"}
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	_, err := client.Login(context.Background(), "demo-school", "student", "wrong")

	require.Error(t, err)
	assert.ErrorIs(t, err, timetable.ErrBadCredentials)
	assert.NotErrorIs(t, err, timetable.ErrLoginFailed)
}

func TestLogin_ServerDownIsLoginFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	_, err := client.Login(context.Background(), "demo-school", "student", "secret")

	require.Error(t, err)
	assert.ErrorIs(t, err, timetable.ErrLoginFailed)
	assert.NotErrorIs(t, err, timetable.ErrBadCredentials)
}

func TestLogin_EmptySessionID(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(_ string, _ json.RawMessage) (interface{}, *RPCError) {
		return SessionDTO{}, nil
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	_, err := client.Login(context.Background(), "demo-school", "student", "secret")

	assert.ErrorIs(t, err, timetable.ErrLoginFailed)
}

func TestLessonsForRange_MapsAndSendsSession(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("JSESSIONID"); err == nil {
			gotCookie = c.Value
		}
		rpcHandler(t, func(method string, _ json.RawMessage) (interface{}, *RPCError) {
			switch method {
			case "authenticate":
				return SessionDTO{SessionID: "sess-1", PersonType: 5, PersonID: 42}, nil
			case "getTimetable":
				return []PeriodDTO{
					{
						ID: 2, Date: 20250304, StartTime: 800, EndTime: 845,
						Su:   []ElementDTO{{ID: 1, Name: "Math"}},
						Te:   []ElementDTO{{ID: 9, Name: "SMI"}},
						Ro:   []ElementDTO{{ID: 3, Name: "R101"}},
						Code: "cancelled",
					},
					{
						ID: 1, Date: 20250303, StartTime: 1000, EndTime: 1045,
						Su: []ElementDTO{{ID: 4, Name: "English"}},
					},
				}, nil
			default:
				t.Fatalf("unexpected method %s", method)
				return nil, nil
			}
		})(w, r)
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	ctx := context.Background()

	sess, err := client.Login(ctx, "demo-school", "student", "secret")
	require.NoError(t, err)

	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	lessons, err := client.LessonsForRange(ctx, sess, start, end)

	require.NoError(t, err)
	assert.Equal(t, "sess-1", gotCookie)
	require.Len(t, lessons, 2)

	// Sorted by date regardless of upstream ordering.
	assert.Equal(t, 20250303, lessons[0].Date)
	assert.Equal(t, "English", lessons[0].Subject)
	assert.Equal(t, timetable.StatusRegular, lessons[0].Status)

	assert.Equal(t, 20250304, lessons[1].Date)
	assert.Equal(t, timetable.StatusCancelled, lessons[1].Status)
	assert.Equal(t, []string{"SMI"}, lessons[1].Teachers)
	assert.Equal(t, []string{"R101"}, lessons[1].Rooms)
}

func TestLessonsForRange_ServerErrorIsFetchFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	sess := &Session{School: "demo-school", PersonID: 42, PersonType: 5, sessionID: "sess-1"}

	_, err := client.LessonsForRange(context.Background(), sess,
		time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC))

	require.Error(t, err)
	assert.ErrorIs(t, err, timetable.ErrFetchFailed)
}

func TestLessonsForWeek_SnapsToISOWeek(t *testing.T) {
	var got struct {
		Options struct {
			StartDate int `json:"startDate"`
			EndDate   int `json:"endDate"`
		} `json:"options"`
	}
	srv := httptest.NewServer(rpcHandler(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		assert.Equal(t, "getTimetable", method)
		require.NoError(t, json.Unmarshal(params, &got))
		return []PeriodDTO{}, nil
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	sess := &Session{School: "demo-school", PersonID: 42, PersonType: 5, sessionID: "sess-1"}

	// A Wednesday resolves to the enclosing Monday..Sunday week.
	_, err := client.LessonsForWeek(context.Background(), sess,
		time.Date(2025, 3, 5, 14, 30, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, 20250303, got.Options.StartDate)
	assert.Equal(t, 20250309, got.Options.EndDate)
}

func TestExamsForRange_MergesSplitEntries(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(method string, _ json.RawMessage) (interface{}, *RPCError) {
		assert.Equal(t, "getExams", method)
		return []ExamDTO{
			{ID: 7, ExamDate: 20250303, StartTime: 800, EndTime: 845, Subject: "Math"},
			{ID: 7, ExamDate: 20250303, StartTime: 850, EndTime: 935, Subject: "Math"},
		}, nil
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	sess := &Session{School: "demo-school", PersonID: 42, sessionID: "sess-1"}

	exams, err := client.ExamsForRange(context.Background(), sess, "user-1",
		time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	require.Len(t, exams, 1)
	assert.Equal(t, 800, exams[0].StartTime)
	assert.Equal(t, 935, exams[0].EndTime)
}

func TestLogout_ClearsSession(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(method string, _ json.RawMessage) (interface{}, *RPCError) {
		assert.Equal(t, "logout", method)
		return nil, nil
	}))
	defer srv.Close()

	client := NewClient(testClientConfig(srv.URL))
	sess := &Session{School: "demo-school", sessionID: "sess-1"}

	require.NoError(t, client.Logout(context.Background(), sess))
	assert.False(t, sess.Authenticated())

	// Logging out twice is a no-op.
	require.NoError(t, client.Logout(context.Background(), sess))
}
