// Package scheduler runs the periodic background loops: cache warmup,
// timetable change detection, upcoming-lesson reminders and absence sync.
// Jobs run on fixed intervals and are reentrancy-guarded: a tick that fires
// while the previous run of the same job is still in progress is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/untis-hub/untis-sync-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job is a unit of periodic background work.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes one pass. The context is cancelled when the scheduler
	// stops and carries the per-tick timeout.
	Run(ctx context.Context) error

	// Description returns a human-readable description of the job.
	Description() string
}

// Schedule decides when a job runs next.
type Schedule interface {
	// Next returns the next run time after t.
	Next(t time.Time) time.Time

	// String returns a human-readable representation of the schedule.
	String() string
}

// JobResult records one job execution.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Skipped     bool
	Error       error
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler manages and executes the registered jobs.
type Scheduler struct {
	mu sync.RWMutex

	logger   *logger.Logger
	timezone *time.Location

	tickInterval time.Duration
	tickTimeout  time.Duration

	jobs      map[string]*scheduledJob
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	metrics  *Metrics
	lastRuns map[string]*JobResult

	onJobComplete func(result JobResult)
}

// scheduledJob wraps a Job with its schedule and run state.
type scheduledJob struct {
	job      Job
	schedule Schedule
	enabled  bool

	// inFlight is set while a run is executing; a due tick that finds it
	// set is skipped instead of stacking a second run.
	inFlight bool

	lastRun      time.Time
	nextRun      time.Time
	runCount     int64
	failCount    int64
	skippedCount int64
}

// Config contains the scheduler settings.
type Config struct {
	Logger *logger.Logger

	// Timezone for schedule calculations (default: UTC).
	Timezone *time.Location

	// TickInterval is how often due jobs are checked (default: 1s).
	TickInterval time.Duration

	// TickTimeout bounds a single job run (default: 10m).
	TickTimeout time.Duration
}

// New creates a scheduler.
func New(config Config) *Scheduler {
	log := config.Logger
	if log == nil {
		log = logger.Default()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = 10 * time.Minute
	}

	return &Scheduler{
		logger:       log.With(logger.Component("scheduler")),
		timezone:     config.Timezone,
		tickInterval: config.TickInterval,
		tickTimeout:  config.TickTimeout,
		jobs:         make(map[string]*scheduledJob),
		lastRuns:     make(map[string]*JobResult),
		metrics:      NewMetrics(),
	}
}

// Register adds a job with the given schedule.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	now := time.Now().In(s.timezone)
	sj := &scheduledJob{
		job:      job,
		schedule: schedule,
		enabled:  true,
		nextRun:  schedule.Next(now),
	}
	s.jobs[name] = sj

	s.logger.Info("job registered",
		logger.JobName(name),
		logger.String("schedule", schedule.String()),
		logger.Time("next_run", sj.nextRun))
	return nil
}

// EnableJob enables a job by name.
func (s *Scheduler) EnableJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[jobName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	sj.enabled = true
	sj.nextRun = sj.schedule.Next(time.Now().In(s.timezone))
	return nil
}

// DisableJob disables a job by name.
func (s *Scheduler) DisableJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[jobName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	sj.enabled = false
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start begins the scheduler loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startedAt = time.Now()
	jobCount := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("scheduler started", logger.Int("jobs", jobCount))

	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped", logger.Duration("uptime", time.Since(s.startedAt)))
	return nil
}

// IsRunning reports whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ══════════════════════════════════════════════════════════════════════════════
// LOOP
// ══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunJobs()
		}
	}
}

// checkAndRunJobs starts every due job that is not already executing.
func (s *Scheduler) checkAndRunJobs() {
	now := time.Now().In(s.timezone)

	s.mu.Lock()
	var due []*scheduledJob
	for _, sj := range s.jobs {
		if !sj.enabled || sj.nextRun.IsZero() || now.Before(sj.nextRun) {
			continue
		}
		if sj.inFlight {
			sj.skippedCount++
			sj.nextRun = sj.schedule.Next(now)
			s.logger.Warn("tick skipped, previous run still in progress",
				logger.JobName(sj.job.Name()))
			s.metrics.RecordSkip(sj.job.Name())
			continue
		}
		sj.inFlight = true
		sj.lastRun = now
		sj.nextRun = sj.schedule.Next(now)
		sj.runCount++
		due = append(due, sj)
	}
	s.mu.Unlock()

	for _, sj := range due {
		s.wg.Add(1)
		go s.runJob(sj)
	}
}

func (s *Scheduler) runJob(sj *scheduledJob) {
	defer s.wg.Done()

	jobName := sj.job.Name()
	startedAt := time.Now()
	log := s.logger.With(logger.JobName(jobName))
	log.Debug("job started")

	ctx, cancel := context.WithTimeout(s.ctx, s.tickTimeout)
	err := sj.job.Run(ctx)
	cancel()

	completedAt := time.Now()
	result := JobResult{
		JobName:     jobName,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Success:     err == nil,
		Error:       err,
	}

	s.metrics.RecordExecution(jobName, result.Duration, err == nil)

	s.mu.Lock()
	sj.inFlight = false
	if err != nil {
		sj.failCount++
	}
	s.lastRuns[jobName] = &result
	onComplete := s.onJobComplete
	s.mu.Unlock()

	if err != nil {
		log.Error("job failed", logger.Duration("duration", result.Duration), logger.Err(err))
	} else {
		log.Info("job completed", logger.Duration("duration", result.Duration))
	}

	if onComplete != nil {
		onComplete(result)
	}
}

// RunNow executes a job immediately, ignoring its schedule. The reentrancy
// guard still applies.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (*JobResult, error) {
	s.mu.Lock()
	sj, exists := s.jobs[jobName]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	if sj.inFlight {
		s.mu.Unlock()
		return &JobResult{JobName: jobName, Skipped: true}, nil
	}
	sj.inFlight = true
	s.mu.Unlock()

	startedAt := time.Now()
	err := sj.job.Run(ctx)
	completedAt := time.Now()

	result := &JobResult{
		JobName:     jobName,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Success:     err == nil,
		Error:       err,
	}

	s.metrics.RecordExecution(jobName, result.Duration, err == nil)

	s.mu.Lock()
	sj.inFlight = false
	s.lastRuns[jobName] = result
	s.mu.Unlock()

	return result, err
}

// OnJobComplete sets a callback invoked after every run.
func (s *Scheduler) OnJobComplete(fn func(result JobResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJobComplete = fn
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo describes a registered job.
type JobInfo struct {
	Name         string
	Description  string
	Enabled      bool
	Schedule     string
	InFlight     bool
	LastRun      time.Time
	NextRun      time.Time
	RunCount     int64
	FailCount    int64
	SkippedCount int64
	LastResult   *JobResult
}

// ListJobs returns information about all registered jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		infos = append(infos, JobInfo{
			Name:         name,
			Description:  sj.job.Description(),
			Enabled:      sj.enabled,
			Schedule:     sj.schedule.String(),
			InFlight:     sj.inFlight,
			LastRun:      sj.lastRun,
			NextRun:      sj.nextRun,
			RunCount:     sj.runCount,
			FailCount:    sj.failCount,
			SkippedCount: sj.skippedCount,
			LastResult:   s.lastRuns[name],
		})
	}
	return infos
}

// GetMetrics returns the scheduler metrics tracker.
func (s *Scheduler) GetMetrics() *Metrics {
	return s.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics tracks job execution counts and durations.
type Metrics struct {
	mu sync.RWMutex

	TotalExecutions int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalSkips      int64
	TotalDuration   time.Duration

	ExecutionsByJob map[string]int64
	FailuresByJob   map[string]int64
	SkipsByJob      map[string]int64
	DurationsByJob  map[string]time.Duration
}

// NewMetrics creates a metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{
		ExecutionsByJob: make(map[string]int64),
		FailuresByJob:   make(map[string]int64),
		SkipsByJob:      make(map[string]int64),
		DurationsByJob:  make(map[string]time.Duration),
	}
}

// RecordExecution records a completed run.
func (m *Metrics) RecordExecution(jobName string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalExecutions++
	m.TotalDuration += duration
	m.ExecutionsByJob[jobName]++
	m.DurationsByJob[jobName] += duration
	if success {
		m.TotalSuccesses++
	} else {
		m.TotalFailures++
		m.FailuresByJob[jobName]++
	}
}

// RecordSkip records a tick suppressed by the reentrancy guard.
func (m *Metrics) RecordSkip(jobName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalSkips++
	m.SkipsByJob[jobName]++
}

// Snapshot returns a point-in-time view of the totals.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var avgDuration time.Duration
	if m.TotalExecutions > 0 {
		avgDuration = m.TotalDuration / time.Duration(m.TotalExecutions)
	}
	return MetricsSnapshot{
		TotalExecutions: m.TotalExecutions,
		TotalSuccesses:  m.TotalSuccesses,
		TotalFailures:   m.TotalFailures,
		TotalSkips:      m.TotalSkips,
		AverageDuration: avgDuration,
	}
}

// MetricsSnapshot is a point-in-time snapshot of scheduler metrics.
type MetricsSnapshot struct {
	TotalExecutions int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalSkips      int64
	AverageDuration time.Duration
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNilJob is returned when registering a nil job.
	ErrNilJob = fmt.Errorf("job cannot be nil")

	// ErrNilSchedule is returned when registering a job with a nil schedule.
	ErrNilSchedule = fmt.Errorf("schedule cannot be nil")

	// ErrJobAlreadyExists is returned when a job name is already taken.
	ErrJobAlreadyExists = fmt.Errorf("job already exists")

	// ErrJobNotFound is returned when a job name is unknown.
	ErrJobNotFound = fmt.Errorf("job not found")

	// ErrNotRunning is returned when Stop is called on a stopped scheduler.
	ErrNotRunning = fmt.Errorf("scheduler is not running")
)
