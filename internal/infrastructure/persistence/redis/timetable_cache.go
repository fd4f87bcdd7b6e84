// Package redis implements the Redis caching layer of the sync hub.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

// ══════════════════════════════════════════════════════════════════════════════
// TIMETABLE PAYLOAD CACHE
// ══════════════════════════════════════════════════════════════════════════════

// Default TTLs for the fast-path entries.
const (
	// TTLHolidays is how long a school's holiday list stays cached. The
	// list changes a few times a year; a day is plenty.
	TTLHolidays = 24 * time.Hour
)

// TimetableCache caches enriched snapshots keyed by normalized range so the
// read path can skip PostgreSQL entirely for hot users. Entries expire with
// the snapshot freshness TTL; PostgreSQL stays the authority when the entry
// is gone.
type TimetableCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewTimetableCache creates a TimetableCache writing entries with the given
// freshness TTL.
func NewTimetableCache(cache *Cache, ttl time.Duration) *TimetableCache {
	return &TimetableCache{cache: cache, ttl: ttl}
}

// payloadKey builds the key for a user's normalized range,
// e.g. "timetable:u-123:20250303:20250309".
func payloadKey(userID timetable.UserID, r timetable.DateRange) string {
	return fmt.Sprintf("%s%s:%d:%d", PrefixTimetable, userID, r.StartDateInt(), r.EndDateInt())
}

// StoreSnapshot caches an enriched snapshot for its normalized range.
func (tc *TimetableCache) StoreSnapshot(ctx context.Context, r timetable.DateRange, snap *timetable.Snapshot) error {
	return tc.cache.Set(ctx, payloadKey(snap.UserID, r), snap, tc.ttl)
}

// Snapshot returns the cached snapshot for the range, or ErrCacheMiss.
func (tc *TimetableCache) Snapshot(ctx context.Context, userID timetable.UserID, r timetable.DateRange) (*timetable.Snapshot, error) {
	var snap timetable.Snapshot
	if err := tc.cache.Get(ctx, payloadKey(userID, r), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Invalidate drops all cached ranges of a user, e.g. after a forced refresh.
func (tc *TimetableCache) Invalidate(ctx context.Context, userID timetable.UserID) error {
	return tc.cache.DeleteByPattern(ctx, fmt.Sprintf("%s%s:*", PrefixTimetable, userID))
}

// ══════════════════════════════════════════════════════════════════════════════
// HOLIDAY CACHE
// ══════════════════════════════════════════════════════════════════════════════

// HolidayCache caches per-school holiday lists. Holidays are shared by all
// users of a school, so one upstream fetch serves everyone.
type HolidayCache struct {
	cache *Cache
}

// NewHolidayCache creates a HolidayCache.
func NewHolidayCache(cache *Cache) *HolidayCache {
	return &HolidayCache{cache: cache}
}

// Store caches a school's holiday list.
func (hc *HolidayCache) Store(ctx context.Context, school string, holidays []timetable.Holiday) error {
	return hc.cache.Set(ctx, PrefixHolidays+school, holidays, TTLHolidays)
}

// Holidays returns the cached list for a school, or ErrCacheMiss.
func (hc *HolidayCache) Holidays(ctx context.Context, school string) ([]timetable.Holiday, error) {
	var holidays []timetable.Holiday
	if err := hc.cache.Get(ctx, PrefixHolidays+school, &holidays); err != nil {
		return nil, err
	}
	return holidays, nil
}
