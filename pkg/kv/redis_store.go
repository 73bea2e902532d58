package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// compareAndDeleteScript deletes key only if its value equals ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// compareAndExpireScript sets a new TTL (milliseconds) on key only if its
// value equals ARGV[1].
var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisStore is the production Store backend. Every call is routed through
// a gobreaker.CircuitBreaker: repeated failures trip the breaker open, and
// IsAvailable() reflects that state so callers degrade cleanly instead of
// retrying a dead backend on every request.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	log    *slog.Logger
}

// NewRedisStore builds a RedisStore against the given connection options.
func NewRedisStore(opts *redis.Options) *RedisStore {
	client := redis.NewClient(opts)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kv-redis",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("kv circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	return &RedisStore{client: client, cb: cb, log: slog.With("component", "kv-redis")}
}

// IsAvailable reports whether the circuit breaker currently allows calls.
func (s *RedisStore) IsAvailable() bool {
	return s.cb.State() != gobreaker.StateOpen
}

func (s *RedisStore) do(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return v, nil
}

type getResult struct {
	val   string
	found bool
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.do(func() (any, error) {
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return getResult{}, nil
		}
		if err != nil {
			return getResult{}, err
		}
		return getResult{val: val, found: true}, nil
	})
	if err != nil {
		return "", false, err
	}
	res, _ := v.(getResult)
	return res.val, res.found, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.do(func() (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	v, err := s.do(func() (any, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	ok, _ := v.(bool)
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	v, err := s.do(func() (any, error) {
		return compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	})
	if err != nil {
		return false, err
	}
	n, _ := v.(int64)
	return n == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expected string, newTTL time.Duration) (bool, error) {
	v, err := s.do(func() (any, error) {
		return compareAndExpireScript.Run(ctx, s.client, []string{key}, expected, newTTL.Milliseconds()).Int64()
	})
	if err != nil {
		return false, err
	}
	n, _ := v.(int64)
	return n == 1, nil
}

func (s *RedisStore) IncrementBy(ctx context.Context, key string, delta int64, ttlIfNew time.Duration) (int64, error) {
	v, err := s.do(func() (any, error) {
		pipe := s.client.TxPipeline()
		incr := pipe.IncrBy(ctx, key, delta)
		ttl := pipe.TTL(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		newVal := incr.Val()
		// Only the first writer (TTL still -1, "no expiry") sets the window TTL.
		if ttlIfNew > 0 && ttl.Val() < 0 {
			_ = s.client.Expire(ctx, key, ttlIfNew).Err()
		}
		return newVal, nil
	})
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}

func (s *RedisStore) ScanByPrefix(ctx context.Context, prefix string, pageSize int64, cursor string) (ScanPage, error) {
	var startCursor uint64
	if cursor != "" {
		_, _ = fmtSscan(cursor, &startCursor)
	}
	v, err := s.do(func() (any, error) {
		keys, next, err := s.client.Scan(ctx, startCursor, prefix+"*", pageSize).Result()
		if err != nil {
			return nil, err
		}
		return ScanPage{Keys: keys, Cursor: fmtCursor(next)}, nil
	})
	if err != nil {
		return ScanPage{}, err
	}
	page, _ := v.(ScanPage)
	return page, nil
}

func (s *RedisStore) ZAddDelayed(ctx context.Context, zset string, score float64, value string) error {
	_, err := s.do(func() (any, error) {
		return nil, s.client.ZAdd(ctx, zset, redis.Z{Score: score, Member: value}).Err()
	})
	return err
}

func (s *RedisStore) ZPopMin(ctx context.Context, zset string, maxScore float64, count int64) ([]string, error) {
	v, err := s.do(func() (any, error) {
		results, err := s.client.ZRangeByScore(ctx, zset, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmtFloat(maxScore),
			Count: count,
		}).Result()
		if err != nil || len(results) == 0 {
			return []string{}, err
		}
		if err := s.client.ZRem(ctx, zset, toAny(results)...).Err(); err != nil {
			return nil, err
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	vals, _ := v.([]string)
	return vals, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
