package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/redis/go-redis/v9"
)

// RateCachedStore caches the daily arrival series of the wrapped store. The
// key carries a generation counter, the current UTC day and the window: a
// new day starts cold and writes bump the generation. Redis failures fall
// through to the store.
type RateCachedStore struct {
	experiment.Store

	cache *Cache
	ttl   time.Duration
	clock timeutil.Clock
	log   *logger.Logger
}

// NewRateCachedStore wraps store. A zero ttl caches until the day ends.
func NewRateCachedStore(store experiment.Store, cache *Cache, ttl time.Duration, clock timeutil.Clock, log *logger.Logger) *RateCachedStore {
	if log == nil {
		log = logger.Nop()
	}
	return &RateCachedStore{
		Store: store,
		cache: cache,
		ttl:   ttl,
		clock: clock,
		log:   log.With(logger.Component("rate_cache")),
	}
}

func (s *RateCachedStore) generationKey() string {
	return s.cache.Key(segmentRate, "gen")
}

func (s *RateCachedStore) key(ctx context.Context, window time.Duration, now time.Time) (string, error) {
	gen, err := s.cache.client.Get(ctx, s.generationKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return s.cache.Key(segmentRate,
		strconv.FormatInt(gen, 10),
		now.UTC().Format("2006-01-02"),
		strconv.FormatInt(int64(window/time.Second), 10),
	), nil
}

func (s *RateCachedStore) expiry(now time.Time) time.Duration {
	untilMidnight := timeutil.StartOfDay(now).AddDate(0, 0, 1).Sub(now)
	if s.ttl > 0 && s.ttl < untilMidnight {
		return s.ttl
	}
	return untilMidnight
}

// DailyArrivals returns the cached series or loads and caches it.
func (s *RateCachedStore) DailyArrivals(ctx context.Context, window time.Duration) ([]experiment.DailyCount, error) {
	now := s.clock.Now()
	key, err := s.key(ctx, window, now)
	if err != nil {
		s.log.Warn("rate cache unavailable", logger.Err(err))
		return s.Store.DailyArrivals(ctx, window)
	}

	var days []experiment.DailyCount
	err = s.cache.Get(ctx, key, &days)
	if err == nil {
		return days, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn("rate cache read failed", logger.Err(err))
	}

	days, err = s.Store.DailyArrivals(ctx, window)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, days, s.expiry(now)); err != nil {
		s.log.Warn("rate cache write failed", logger.Err(err))
	}
	return days, nil
}

// HistoricalDailyRate is the mean of the cached series.
func (s *RateCachedStore) HistoricalDailyRate(ctx context.Context, window time.Duration) (float64, error) {
	days, err := s.DailyArrivals(ctx, window)
	if err != nil {
		return 0, err
	}
	return experiment.MeanCount(days), nil
}

// RecordSubject records through the store and drops cached series.
func (s *RateCachedStore) RecordSubject(ctx context.Context, subject experiment.Subject) error {
	if err := s.Store.RecordSubject(ctx, subject); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// RecordOutcome records through the store and drops cached series. A
// completed quiz removes the applicant from the series.
func (s *RateCachedStore) RecordOutcome(ctx context.Context, outcome experiment.Outcome) error {
	if err := s.Store.RecordOutcome(ctx, outcome); err != nil {
		return err
	}
	if outcome.Completed {
		s.invalidate(ctx)
	}
	return nil
}

// DeleteRunData deletes through the store and drops cached series.
func (s *RateCachedStore) DeleteRunData(ctx context.Context, runID experiment.RunID) error {
	if err := s.Store.DeleteRunData(ctx, runID); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *RateCachedStore) invalidate(ctx context.Context) {
	if err := s.cache.client.Incr(ctx, s.generationKey()).Err(); err != nil {
		s.log.Warn("rate cache invalidation failed", logger.Err(err))
	}
}
