// Package store wraps the shared coordination store (Redis) behind the
// small typed surface the rest of the service needs. It is the only
// cross-process shared state: rate-limit windows, SMS codes, the
// token-usage buffer, session activity, and scheduled-task locks all live
// here. Compound check-then-act operations run as server-side scripts so
// they are atomic across worker processes.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps network and timeout failures reaching the store.
	// Callers decide whether this is fatal (rate limiter fails closed) or
	// degrades gracefully (usage buffer falls back to process memory).
	ErrUnavailable = errors.New("store: unavailable")

	// ErrCorrupt is returned when the store responds with a value the
	// caller cannot interpret.
	ErrCorrupt = errors.New("store: corrupt value")

	// ErrLockHeld is returned by WithLock when another holder owns the lease.
	ErrLockHeld = errors.New("store: lock held")
)

// Store is the coordination-store surface used across the service.
// The production implementation is RedisStore; tests use miniredis.
type Store interface {
	// Strings
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// CompareAndDelete atomically deletes key iff it holds expected.
	// Returns true when the value matched and was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// IncrWithTTL atomically increments key, setting ttl only when the
	// increment created the key. Returns the post-increment value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrRefreshTTL atomically increments key and re-arms ttl on every
	// call, so expiry bounds idle time rather than key age.
	IncrRefreshTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// DecrFloor atomically decrements key but never below zero; a
	// decrement that would go negative deletes the key instead.
	DecrFloor(ctx context.Context, key string) (int64, error)

	// Counters
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sorted sets (rate-limiter sliding windows)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// Lists (token-usage buffer)
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)
	LPush(ctx context.Context, key string, values ...string) (int64, error)

	// TakeBatch atomically reads and removes up to n elements from the
	// head of the list (LRANGE + LTRIM in one script).
	TakeBatch(ctx context.Context, key string, n int64) ([]string, error)

	// Hashes (session activity, aggregate counters)
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	// WithLock runs fn while holding a store-wide mutual-exclusion lease.
	// The holder is named by a random token so release is safe even after
	// a crash restart. Returns ErrLockHeld without running fn when the
	// lease is owned elsewhere.
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error

	// Pub/sub (cross-process notification)
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// Ping reports store reachability for health probes.
	Ping(ctx context.Context) error

	Close() error
}

// ZMember is one sorted-set entry with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Key prefixes. All keys carry a TTL; user-scoped keys include the user id
// and phone-scoped keys include the phone number.
const (
	PrefixRateLimit = "rl:"
	PrefixSMS       = "sms:"
	PrefixSession   = "session:"
	PrefixTokenBuf  = "token_buf:"
	PrefixLock      = "lock:"
)
