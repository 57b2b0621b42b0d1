package lock

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/lagrangedao/go-computing-broker/constants"
	"golang.org/x/xerrors"
)

var releaseScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every broker process using the same redis.
// A lock expires after ttl so a crashed holder cannot wedge a job forever.
type RedisLocker struct {
	pool  *redis.Pool
	ttl   time.Duration
	retry time.Duration
}

func NewRedisLocker(pool *redis.Pool, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{pool: pool, ttl: ttl, retry: 50 * time.Millisecond}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := constants.REDIS_LOCK_PREFIX + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.tryAcquire(redisKey, token)
		if err != nil {
			return nil, xerrors.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		conn := r.pool.Get()
		defer conn.Close()
		releaseScript.Do(conn, redisKey, token)
	}, nil
}

func (r *RedisLocker) tryAcquire(key, token string) (bool, error) {
	conn := r.pool.Get()
	defer conn.Close()
	if err := conn.Err(); err != nil {
		return false, err
	}

	_, err := redis.String(conn.Do("SET", key, token, "NX", "PX", r.ttl.Milliseconds()))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
