// Package jobs contains the background loop implementations: cache warmup,
// timetable change detection, upcoming-lesson reminders and absence sync.
// All loops walk the active users in batches with bounded concurrency and
// collect per-user failures instead of aborting the pass.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/user"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
)

// BatchConfig controls how a per-user pass is parallelized.
type BatchConfig struct {
	// BatchSize is the number of users per batch.
	BatchSize int

	// Concurrency is the number of users processed in parallel per batch.
	Concurrency int
}

// DefaultBatchConfig returns the defaults used when a job is wired without
// explicit settings.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{BatchSize: 50, Concurrency: 5}
}

func (c BatchConfig) normalized() BatchConfig {
	if c.BatchSize < 1 {
		c.BatchSize = 50
	}
	if c.Concurrency < 1 {
		c.Concurrency = 5
	}
	return c
}

// UserError is one failed user of a batch pass.
type UserError struct {
	UserID     string
	Err        error
	OccurredAt time.Time
}

// BatchStats summarizes one pass over the users.
type BatchStats struct {
	Total     int
	Succeeded int
	Failed    int
	Errors    []UserError
}

// Err folds the collected failures into a single error, or nil when the
// whole pass succeeded.
func (s BatchStats) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d users failed (first: user %s: %w)",
		s.Failed, s.Total, s.Errors[0].UserID, s.Errors[0].Err)
}

// forEachUser runs fn for every user, batch by batch, with bounded
// concurrency inside each batch. A failing user is recorded and the pass
// moves on; only context cancellation stops it early.
func forEachUser(ctx context.Context, users []*user.User, config BatchConfig, log *logger.Logger, fn func(ctx context.Context, u *user.User) error) BatchStats {
	config = config.normalized()
	if log == nil {
		log = logger.Default()
	}
	stats := BatchStats{Total: len(users)}

	var mu sync.Mutex
	for start := 0; start < len(users); start += config.BatchSize {
		if ctx.Err() != nil {
			break
		}

		end := start + config.BatchSize
		if end > len(users) {
			end = len(users)
		}
		batch := users[start:end]

		sem := make(chan struct{}, config.Concurrency)
		var wg sync.WaitGroup
		for _, u := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(u *user.User) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := fn(ctx, u); err != nil {
					log.Warn("user pass failed", logger.UserID(u.ID), logger.Err(err))
					mu.Lock()
					stats.Failed++
					stats.Errors = append(stats.Errors, UserError{UserID: u.ID, Err: err, OccurredAt: time.Now()})
					mu.Unlock()
					return
				}
				mu.Lock()
				stats.Succeeded++
				mu.Unlock()
			}(u)
		}
		wg.Wait()
	}
	return stats
}
