package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
	"github.com/untis-hub/untis-sync-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown endpoint")
		return
	}

	info := map[string]interface{}{
		"name":        "Untis Sync Hub API",
		"version":     "v1",
		"description": "Timetable synchronization and notification engine",
		"endpoints": map[string]string{
			"health":    "/health",
			"timetable": "/api/v1/timetable",
			"holidays":  "/api/v1/holidays",
		},
	}

	writeJSON(w, http.StatusOK, info)
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.runReadyChecks(r)

	healthy := true
	for _, result := range checks {
		if !result.Healthy {
			healthy = false
			break
		}
	}

	status := map[string]interface{}{
		"status": "healthy",
		"uptime": s.Uptime().String(),
	}
	if len(checks) > 0 {
		status["checks"] = checks
	}
	if s.deps.Scheduler != nil {
		status["scheduler_running"] = s.deps.Scheduler.IsRunning()
	}

	if !healthy {
		status["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleReady handles the readiness probe endpoint (for Kubernetes).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := s.runReadyChecks(r)

	for name, result := range checks {
		if !result.Healthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": fmt.Sprintf("%s: %s", name, result.Message),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles the liveness probe endpoint (for Kubernetes).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// checkResult is the wire form of one readiness probe.
type checkResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

func (s *Server) runReadyChecks(r *http.Request) map[string]checkResult {
	if len(s.deps.ReadyChecks) == 0 {
		return nil
	}

	results := make(map[string]checkResult, len(s.deps.ReadyChecks))
	for name, check := range s.deps.ReadyChecks {
		if err := check(r.Context()); err != nil {
			results[name] = checkResult{Healthy: false, Message: err.Error()}
			continue
		}
		results[name] = checkResult{Healthy: true}
	}
	return results
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMETABLE HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// timetableResponse is the wire form of a timetable lookup.
type timetableResponse struct {
	UserID     string             `json:"user_id"`
	RangeStart string             `json:"range_start,omitempty"`
	RangeEnd   string             `json:"range_end,omitempty"`
	Lessons    []timetable.Lesson `json:"lessons"`

	Cached         bool      `json:"cached"`
	Stale          bool      `json:"stale"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	Source         string    `json:"source"`
	LastUpdated    time.Time `json:"last_updated"`
}

// handleGetTimetable handles GET /api/v1/timetable?user=&start=&end=.
//
// The requester identifies itself with the X-User-ID header; absent it
// defaults to the target user. A non-manager requesting another user's
// timetable is rejected, and the attempt is fanned out to managers as an
// access-request notification.
func (s *Server) handleGetTimetable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	targetID := r.URL.Query().Get("user")
	if targetID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_parameter", "Query parameter 'user' is required")
		return
	}

	requesterID := r.Header.Get("X-User-ID")
	if requesterID == "" {
		requesterID = targetID
	}

	requester, err := s.deps.Users.GetByID(ctx, requesterID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			writeJSONError(w, http.StatusUnauthorized, "unknown_requester", "Requesting user is not known")
			return
		}
		s.logger.Error("requester lookup failed", logger.UserID(requesterID), logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_server_error", "User lookup failed")
		return
	}

	if requester.ID != targetID && !requester.IsManager {
		s.notifyAccessDenied(r, requester, targetID)
		writeJSONError(w, http.StatusForbidden, "access_denied", "Not authorized to view this user's timetable")
		return
	}

	target := requester
	if requester.ID != targetID {
		target, err = s.deps.Users.GetByID(ctx, targetID)
		if err != nil {
			if errors.Is(err, user.ErrUserNotFound) {
				writeJSONError(w, http.StatusNotFound, "user_not_found", "Target user is not known")
				return
			}
			s.logger.Error("target lookup failed", logger.UserID(targetID), logger.Err(err))
			writeJSONError(w, http.StatusInternalServerError, "internal_server_error", "User lookup failed")
			return
		}
	}

	loc := target.Location(s.config.Timezone)
	start, end, err := parseDateRange(r, loc)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	res, err := s.deps.Timetable.GetOrFetch(ctx, target, start, end)
	if err != nil {
		switch {
		case errors.Is(err, timetable.ErrMissingCredential), errors.Is(err, timetable.ErrDecryptFailed):
			writeJSONError(w, http.StatusConflict, "missing_credential", "No usable upstream credential on file")
		case errors.Is(err, timetable.ErrBadCredentials):
			writeJSONError(w, http.StatusConflict, "bad_credentials", "Stored upstream credential was rejected")
		default:
			s.logger.Error("timetable fetch failed", logger.UserID(target.ID), logger.Err(err))
			writeJSONError(w, http.StatusBadGateway, "upstream_unavailable", "Timetable source is unavailable")
		}
		return
	}

	snap := res.Snapshot
	resp := timetableResponse{
		UserID:         string(snap.UserID),
		Lessons:        snap.Lessons,
		Cached:         res.Cached,
		Stale:          res.Stale,
		FallbackReason: res.FallbackReason,
		Source:         res.Source,
		LastUpdated:    res.LastUpdated(),
	}
	if resp.Lessons == nil {
		resp.Lessons = []timetable.Lesson{}
	}
	if snap.RangeStart != nil {
		resp.RangeStart = snap.RangeStart.Format("2006-01-02")
	}
	if snap.RangeEnd != nil {
		resp.RangeEnd = snap.RangeEnd.Format("2006-01-02")
	}

	writeJSON(w, http.StatusOK, resp)
}

// notifyAccessDenied records a denied cross-user lookup as an access-request
// notification. Failures are logged only; the 403 goes out regardless.
func (s *Server) notifyAccessDenied(r *http.Request, requester *user.User, targetID string) {
	if s.deps.Notifier == nil {
		return
	}

	content := fmt.Sprintf("timetable of user %s", targetID)
	if err := s.deps.Notifier.NotifyAccessRequest(r.Context(), requester.ID, requester.Username, content); err != nil {
		s.logger.Warn("access request notification failed",
			logger.UserID(requester.ID),
			logger.String("target", targetID),
			logger.Err(err),
		)
	}
}

// parseDateRange reads the optional start/end query parameters as YYYY-MM-DD
// dates in the given location. Both absent means the cache picks its default
// window. One without the other is an error.
func parseDateRange(r *http.Request, loc *time.Location) (*time.Time, *time.Time, error) {
	startRaw := r.URL.Query().Get("start")
	endRaw := r.URL.Query().Get("end")

	if startRaw == "" && endRaw == "" {
		return nil, nil, nil
	}
	if startRaw == "" || endRaw == "" {
		return nil, nil, errors.New("parameters 'start' and 'end' must be given together")
	}

	start, err := timeutil.ParseDate(startRaw, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid 'start' date %q, expected YYYY-MM-DD", startRaw)
	}
	end, err := timeutil.ParseDate(endRaw, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid 'end' date %q, expected YYYY-MM-DD", endRaw)
	}
	if end.Before(start) {
		return nil, nil, errors.New("'end' must not be before 'start'")
	}

	return &start, &end, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HOLIDAY HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// handleGetHolidays handles GET /api/v1/holidays?school=. It serves only the
// cached per-school list; a miss is a 404, not an upstream fetch.
func (s *Server) handleGetHolidays(w http.ResponseWriter, r *http.Request) {
	if s.deps.Holidays == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Holiday cache is not configured")
		return
	}

	school := r.URL.Query().Get("school")
	if school == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_parameter", "Query parameter 'school' is required")
		return
	}

	holidays, err := s.deps.Holidays.Holidays(r.Context(), school)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_cached", "No holiday data cached for this school")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"school":   school,
		"holidays": holidays,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleListJobs handles GET /api/v1/admin/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Scheduler is not configured")
		return
	}

	infos := s.deps.Scheduler.ListJobs()
	jobs := make([]jobSummary, 0, len(infos))
	for _, info := range infos {
		j := jobSummary{
			Name:      info.Name,
			Enabled:   info.Enabled,
			Schedule:  info.Schedule,
			RunCount:  info.RunCount,
			FailCount: info.FailCount,
			SkipCount: info.SkippedCount,
		}
		if !info.LastRun.IsZero() {
			t := info.LastRun
			j.LastRun = &t
		}
		if !info.NextRun.IsZero() {
			t := info.NextRun
			j.NextRun = &t
		}
		jobs = append(jobs, j)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running": s.deps.Scheduler.IsRunning(),
		"jobs":    jobs,
	})
}
