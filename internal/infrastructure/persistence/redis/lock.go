package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token, so an
// expired lock taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	lockPollMin = 25 * time.Millisecond
	lockPollMax = 500 * time.Millisecond
)

// RunLock implements experiment.RunLocker with SET NX PX. The TTL bounds how
// long a crashed holder blocks the run. The lock is not renewed, so a holder
// must finish within the TTL; after that another process may take the run.
type RunLock struct {
	cache *Cache
	ttl   time.Duration
	log   *logger.Logger
}

var _ experiment.RunLocker = (*RunLock)(nil)

// NewRunLock creates a lock on cache. A zero ttl uses 30s.
func NewRunLock(cache *Cache, ttl time.Duration, log *logger.Logger) *RunLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RunLock{cache: cache, ttl: ttl, log: log.With(logger.Component("run_lock"))}
}

// Lock implements experiment.RunLocker. It polls until the key is free or
// ctx is done, in which case shared.ErrRunLocked wraps the context error.
func (l *RunLock) Lock(ctx context.Context, id experiment.RunID) (func(), error) {
	key := l.cache.Key(segmentLock, string(id))
	token := uuid.NewString()

	wait := lockPollMin
	for {
		ok, err := l.cache.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, shared.ErrRunLocked.Wrap(ctxErr)
			}
			return nil, shared.WrapError("lock", "Acquire", shared.ErrServiceUnavailable, "redis lock unavailable", err)
		}
		if ok {
			return l.releaser(key, token, id), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, shared.ErrRunLocked.Wrap(ctx.Err())
		case <-timer.C:
		}
		if wait *= 2; wait > lockPollMax {
			wait = lockPollMax
		}
	}
}

func (l *RunLock) releaser(key, token string, id experiment.RunID) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key, token, id) }) }
}

func (l *RunLock) release(key, token string, id experiment.RunID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.cache.client, []string{key}, token).Int()
	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		l.log.Warn("failed to release run lock", logger.RunID(string(id)), logger.Err(err))
	case err == nil && n == 0:
		l.log.Warn("run lock expired before release", logger.RunID(string(id)), logger.Duration("ttl", l.ttl))
	}
}
