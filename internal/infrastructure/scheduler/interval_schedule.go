package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// IntervalSchedule runs a job at a fixed interval. The first run happens one
// full interval after registration, or after InitialDelay when set, so a
// fleet restart does not fire every loop at once.
type IntervalSchedule struct {
	Interval     time.Duration
	InitialDelay time.Duration

	mu      sync.Mutex
	started bool
}

// Every creates a schedule firing at the given interval.
func Every(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// EveryWithDelay creates a schedule whose first run is delayed by initial
// instead of a full interval.
func EveryWithDelay(interval, initial time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval, InitialDelay: initial}
}

// Next returns the next scheduled time after t.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		if s.InitialDelay > 0 {
			return t.Add(s.InitialDelay)
		}
	}
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s *IntervalSchedule) String() string {
	if s.InitialDelay > 0 {
		return fmt.Sprintf("@every %s (first after %s)", s.Interval, s.InitialDelay)
	}
	return fmt.Sprintf("@every %s", s.Interval)
}
