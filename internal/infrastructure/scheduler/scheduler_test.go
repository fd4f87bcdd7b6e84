package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int64
	block chan struct{} // when set, Run waits until the channel closes
	fail  bool
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
		}
	}
	if j.fail {
		return assert.AnError
	}
	return nil
}

func fastScheduler() *Scheduler {
	return New(Config{TickInterval: 5 * time.Millisecond, TickTimeout: time.Second})
}

func TestRegister_RejectsDuplicatesAndNils(t *testing.T) {
	s := fastScheduler()
	job := &countingJob{name: "a"}

	require.NoError(t, s.Register(job, Every(time.Minute)))
	assert.ErrorIs(t, s.Register(job, Every(time.Minute)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, Every(time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "b"}, nil), ErrNilSchedule)
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	s := fastScheduler()
	job := &countingJob{name: "ticker"}
	require.NoError(t, s.Register(job, Every(10*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	assert.Eventually(t, func() bool {
		return job.runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_SkipsTickWhileJobInFlight(t *testing.T) {
	s := fastScheduler()
	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, Every(10*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))

	// Wait until several ticks have passed the running job by.
	assert.Eventually(t, func() bool {
		return s.GetMetrics().Snapshot().TotalSkips >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// The guard kept it at a single execution.
	assert.Equal(t, int64(1), job.runs.Load())

	close(job.block)
	require.NoError(t, s.Stop())
}

func TestScheduler_StartStopLifecycle(t *testing.T) {
	s := fastScheduler()
	require.NoError(t, s.Register(&countingJob{name: "a"}, Every(time.Hour)))

	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
	require.NoError(t, s.Start(context.Background()))
	// A second Start is a no-op, not an error.
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestRunNow_ExecutesAndGuards(t *testing.T) {
	s := fastScheduler()
	job := &countingJob{name: "manual"}
	require.NoError(t, s.Register(job, Every(time.Hour)))

	result, err := s.RunNow(context.Background(), "manual")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(1), job.runs.Load())

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunNow_FailureRecorded(t *testing.T) {
	s := fastScheduler()
	job := &countingJob{name: "broken", fail: true}
	require.NoError(t, s.Register(job, Every(time.Hour)))

	result, err := s.RunNow(context.Background(), "broken")
	assert.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, int64(1), s.GetMetrics().Snapshot().TotalFailures)
}

func TestIntervalSchedule_InitialDelay(t *testing.T) {
	base := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

	delayed := EveryWithDelay(30*time.Minute, time.Minute)
	assert.Equal(t, base.Add(time.Minute), delayed.Next(base))
	// Subsequent runs use the full interval.
	assert.Equal(t, base.Add(30*time.Minute), delayed.Next(base))

	plain := Every(30 * time.Minute)
	assert.Equal(t, base.Add(30*time.Minute), plain.Next(base))
}

func TestListJobs_ReportsState(t *testing.T) {
	s := fastScheduler()
	require.NoError(t, s.Register(&countingJob{name: "a"}, Every(time.Hour)))
	require.NoError(t, s.DisableJob("a"))

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Name)
	assert.False(t, jobs[0].Enabled)
	assert.ErrorIs(t, s.DisableJob("missing"), ErrJobNotFound)
}
