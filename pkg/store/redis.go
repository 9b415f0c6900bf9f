package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	client redis.UniversalClient
}

// compareAndDeleteScript deletes KEYS[1] iff it holds ARGV[1].
// Used by SMS verify so two concurrent verifies consume the code once.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// incrWithTTLScript increments KEYS[1] and applies ARGV[1] (ms) as TTL only
// when the increment created the key. Keeps hourly-cap windows fixed.
var incrWithTTLScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return v
`)

// incrRefreshTTLScript increments KEYS[1] and re-arms ARGV[1] (ms) as TTL on
// every call. Expiry then bounds idle time, not key age; used for the
// in-flight slot counters where held slots must outlive any fixed age.
var incrRefreshTTLScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return v
`)

// decrFloorScript decrements KEYS[1] but never below zero. A decrement that
// would go negative (the key expired while the slot was held) deletes the
// key instead, so a stale release cannot loosen a cap.
var decrFloorScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v < 0 then
    redis.call("DEL", KEYS[1])
    return 0
end
return v
`)

// takeBatchScript reads and removes up to ARGV[1] elements from the head of
// list KEYS[1] in one atomic step.
var takeBatchScript = redis.NewScript(`
local batch = redis.call("LRANGE", KEYS[1], 0, ARGV[1] - 1)
if #batch > 0 then
    redis.call("LTRIM", KEYS[1], #batch, -1)
end
return batch
`)

// releaseLockScript deletes the lock only when the caller still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore connects to the store at url and verifies reachability.
func NewRedisStore(ctx context.Context, url string, pingTimeout time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse coordination store URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping coordination store: %w", err)
	}

	slog.Info("Connected to coordination store", "addr", opt.Addr, "db", opt.DB)
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client (tests, miniredis).
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// wrapErr maps go-redis errors into the package error model.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return v, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	return wrapErr(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return d, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, wrapErr(err)
	}
	return n == 1, nil
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithTTLScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func (s *RedisStore) IncrRefreshTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrRefreshTTLScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func (s *RedisStore) DecrFloor(ctx context.Context, key string) (int64, error) {
	n, err := decrFloorScript.Run(ctx, s.client, []string{key}).Int64()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr(s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapErr(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return wrapErr(s.client.ZRem(ctx, key, member).Err())
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return wrapErr(s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err())
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	members := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		m, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string sorted-set member in %s", ErrCorrupt, key)
		}
		members = append(members, ZMember{Member: m, Score: z.Score})
	}
	return members, nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.client.RPush(ctx, key, args...).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.client.LPush(ctx, key, args...).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.client.LRange(ctx, key, start, stop).Result()
	return vs, wrapErr(err)
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrapErr(s.client.LTrim(ctx, key, start, stop).Err())
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	return n, wrapErr(err)
}

func (s *RedisStore) TakeBatch(ctx context.Context, key string, n int64) ([]string, error) {
	res, err := takeBatchScript.Run(ctx, s.client, []string{key}, n).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr(err)
	}
	return res, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return wrapErr(s.client.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return v, nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, incr).Result()
	return n, wrapErr(err)
}

// WithLock acquires a lease via SET NX with a random holder token, runs fn,
// and releases the lease only if this process still holds it.
func (s *RedisStore) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return wrapErr(err)
	}
	if !ok {
		return ErrLockHeld
	}
	defer func() {
		// Release on a fresh context so a cancelled caller still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, s.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			slog.Warn("Failed to release distributed lock; lease will expire by TTL",
				"key", key, "error", err)
		}
	}()
	return fn(ctx)
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return wrapErr(s.client.Publish(ctx, channel, message).Err())
}

// Subscribe returns a channel of messages and a stop function. The channel
// closes when the subscription ends.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so connectivity errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, wrapErr(err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapErr(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
