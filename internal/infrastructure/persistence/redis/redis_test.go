package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/memory"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

// unreachable returns a cache whose server refuses connections.
func unreachable(t *testing.T) *Cache {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheFromClient(client, "test:")
}

// local returns a cache backed by an in-process Redis server.
func local(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheFromClient(client, "test:"), server
}

type countingStore struct {
	experiment.Store

	mu    sync.Mutex
	loads int
}

func (s *countingStore) DailyArrivals(ctx context.Context, window time.Duration) ([]experiment.DailyCount, error) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	return s.Store.DailyArrivals(ctx, window)
}

func (s *countingStore) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func seedArrivals(t *testing.T, store experiment.Store, daysAgo ...int) {
	t.Helper()
	for i, d := range daysAgo {
		require.NoError(t, store.RecordSubject(context.Background(), experiment.Subject{
			ID:        experiment.SubjectID(string(rune('a' + i))),
			ArrivedAt: timeutil.StartOfDay(now).AddDate(0, 0, -d),
		}))
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 10, opts.PoolSize)

	cfg.URL = "redis://:secret@cache.internal:6380/2"
	opts, err = cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)

	cfg.URL = "http://nope"
	_, err = cfg.Options()
	assert.Error(t, err)
}

func TestCache_Keys(t *testing.T) {
	c := unreachable(t)
	assert.Equal(t, "test:lock:run-1", c.Key(segmentLock, "run-1"))

	relay := NewEventRelay(c)
	assert.Equal(t, "test:events:experiment.analyzed", relay.Channel(shared.EventRunAnalyzed))

	rc := NewRateCachedStore(nil, c, 0, timeutil.Fixed(now), nil)
	assert.Equal(t, 9*time.Hour, rc.expiry(now), "cached until the day ends")
	rc.ttl = time.Hour
	assert.Equal(t, time.Hour, rc.expiry(now))
}

func TestRateCachedStore_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New(timeutil.Fixed(now))
	seedArrivals(t, store, 3, 2, 2, 1)

	cached := NewRateCachedStore(store, unreachable(t), time.Minute, timeutil.Fixed(now), nil)
	rate, err := cached.HistoricalDailyRate(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/3.0, rate, 1e-12)

	// Writes still reach the store while Redis is down.
	require.NoError(t, cached.RecordSubject(ctx, experiment.Subject{ID: "z", ArrivedAt: now}))
	err = cached.RecordSubject(ctx, experiment.Subject{ID: "z", ArrivedAt: now})
	assert.ErrorIs(t, err, shared.ErrSubjectExists)
}

func TestRunLock_RedisDown(t *testing.T) {
	lock := NewRunLock(unreachable(t), time.Second, nil)
	_, err := lock.Lock(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, shared.IsExternalService(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lock.Lock(ctx, "r1")
	assert.ErrorIs(t, err, shared.ErrRunLocked)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventRelay_RedisDown(t *testing.T) {
	relay := NewEventRelay(unreachable(t))
	err := relay.Handle(shared.NewRunCreatedEvent("r1", "subject line"))
	assert.Error(t, err)
}

func TestRateCachedStore_HitThenInvalidate(t *testing.T) {
	ctx := context.Background()
	cache, server := local(t)
	store := &countingStore{Store: memory.New(timeutil.Fixed(now))}
	seedArrivals(t, store, 3, 2, 2, 1)

	cached := NewRateCachedStore(store, cache, 0, timeutil.Fixed(now), nil)
	rate, err := cached.HistoricalDailyRate(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/3.0, rate, 1e-12)
	assert.Equal(t, 1, store.Loads())

	rate, err = cached.HistoricalDailyRate(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/3.0, rate, 1e-12)
	assert.Equal(t, 1, store.Loads(), "second read is served from Redis")

	key, err := cached.key(ctx, 0, now)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour, server.TTL(key))

	// A new arrival two days ago bumps the generation and the next read reloads.
	require.NoError(t, cached.RecordSubject(ctx, experiment.Subject{
		ID:        "late",
		ArrivedAt: timeutil.StartOfDay(now).AddDate(0, 0, -2),
	}))
	rate, err = cached.HistoricalDailyRate(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 5.0/3.0, rate, 1e-12)
	assert.Equal(t, 2, store.Loads())

	// A different window is a different entry.
	_, err = cached.DailyArrivals(ctx, 7*timeutil.Day)
	require.NoError(t, err)
	assert.Equal(t, 3, store.Loads())
}

func TestRunLock_SecondHolderWaits(t *testing.T) {
	cache, _ := local(t)
	first := NewRunLock(cache, time.Minute, nil)
	second := NewRunLock(cache, time.Minute, nil)

	release, err := first.Lock(context.Background(), "r1")
	require.NoError(t, err)

	// Another run is not affected.
	releaseOther, err := second.Lock(context.Background(), "r2")
	require.NoError(t, err)
	releaseOther()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctx, "r1")
	assert.ErrorIs(t, err, shared.ErrRunLocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func(), 1)
	go func() {
		r, err := second.Lock(context.Background(), "r1")
		if err == nil {
			acquired <- r
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock taken while still held")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	release() // idempotent

	select {
	case r := <-acquired:
		r()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestRunLock_ExpiredHolderDoesNotReleaseSuccessor(t *testing.T) {
	cache, server := local(t)
	lock := NewRunLock(cache, time.Second, nil)
	key := cache.Key(segmentLock, "r1")

	stale, err := lock.Lock(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, time.Second, server.TTL(key))

	// The lock is not renewed; once the TTL passes another holder gets in.
	server.FastForward(2 * time.Second)
	require.False(t, server.Exists(key))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	current, err := lock.Lock(ctx, "r1")
	require.NoError(t, err)
	token, err := server.Get(key)
	require.NoError(t, err)

	stale()
	got, err := server.Get(key)
	require.NoError(t, err)
	assert.Equal(t, token, got, "the stale release must not delete the new holder's key")

	current()
	assert.False(t, server.Exists(key))
}

func TestEventRelay_PublishesEnvelope(t *testing.T) {
	cache, _ := local(t)
	relay := NewEventRelay(cache)
	ctx := context.Background()

	sub := cache.Client().Subscribe(ctx, relay.Channel(shared.EventRunCreated))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, relay.Handle(shared.NewRunCreatedEvent("r1", "subject line")))

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(msgCtx)
	require.NoError(t, err)

	var envelope shared.EventEnvelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))
	assert.Equal(t, shared.EventRunCreated, envelope.Type)
	assert.Equal(t, "r1", envelope.AggregateID)
}
