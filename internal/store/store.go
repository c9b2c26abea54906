// Package store adapts the external coordination store (KV, sets, lists,
// hashes, sorted sets, atomic claims, TTL, pub/sub) behind a narrow interface.
// All mutating operations are individually atomic; no multi-key transactions
// are assumed anywhere in the plane.
package store

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active pub/sub subscription. Messages is closed after
// Unsubscribe returns.
type Subscription interface {
	Messages() <-chan Message
	Unsubscribe() error
}

// ZMember pairs a sorted-set member with its score.
type ZMember struct {
	Score  float64
	Member string
}

// Store is the coordination store adapter. Implementations retry transport
// errors with exponential backoff capped at 2s and surface a single error
// kind (apperr.ErrStore). A zero TTL means "no expiry" wherever a TTL
// parameter appears.
type Store interface {
	// Key/value.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX atomically creates key if absent; returns true exactly once per key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	// TTL returns the remaining lifetime. ok is false when the key does not
	// exist; a zero duration with ok=true means the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Lists.
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	// Hashes (work-queue bookkeeping).
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)

	// Sorted sets (delayed-job promotion).
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// Keys performs a bounded pattern scan. Reapers only; never on a request path.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pub/sub.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
