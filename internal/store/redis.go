package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/config"
	"github.com/ottobot/ottobot/internal/common/logger"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
	retryMaxTries        = 3
)

// RedisStore implements Store on top of a Redis-compatible server.
type RedisStore struct {
	client *redis.Client
	logger *logger.Logger
}

// NewRedisStore connects to the coordination store and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &RedisStore{
		client: client,
		logger: log.WithFields(zap.String("component", "store")),
	}

	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	s.logger.Info("Connected to coordination store", zap.String("addr", cfg.Addr()))
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests running
// against an in-process server.
func NewRedisStoreFromClient(client *redis.Client, log *logger.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: log.WithFields(zap.String("component", "store")),
	}
}

// withRetry runs op with exponential backoff capped at retryMaxInterval.
// Callers translate "key missing" replies inside op so only transport errors
// reach the retry loop.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(retryMaxTries),
	)
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("store %s: %w", op, errors.Join(apperr.ErrStore, err))
}

// Get returns the value at key; ok is false when the key does not exist.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		val string
		ok  bool
	}
	res, err := withRetry(ctx, func() (result, error) {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{v, true}, nil
	})
	if err != nil {
		return "", false, wrapErr("get", err)
	}
	return res.val, res.ok, nil
}

// Set writes key without expiry.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.Set(ctx, key, value, 0).Err()
	})
	if err != nil {
		return wrapErr("set", err)
	}
	return nil
}

// SetEx writes key with the given TTL.
func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return wrapErr("setex", err)
	}
	return nil
}

// SetNX atomically creates key if absent.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := withRetry(ctx, func() (bool, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, wrapErr("setnx", err)
	}
	return ok, nil
}

// Del removes the given keys; missing keys are not an error.
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := withRetry(ctx, func() (int64, error) {
		return s.client.Del(ctx, keys...).Result()
	})
	if err != nil {
		return 0, wrapErr("del", err)
	}
	return n, nil
}

// Incr atomically increments the integer at key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := withRetry(ctx, func() (int64, error) {
		return s.client.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, wrapErr("incr", err)
	}
	return n, nil
}

// TTL returns the remaining lifetime of key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := withRetry(ctx, func() (time.Duration, error) {
		return s.client.TTL(ctx, key).Result()
	})
	if err != nil {
		return 0, false, wrapErr("ttl", err)
	}
	switch {
	case d == -2: // key does not exist
		return 0, false, nil
	case d == -1: // key exists without expiry
		return 0, true, nil
	default:
		return d, true, nil
	}
}

// Expire sets the TTL of an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := withRetry(ctx, func() (bool, error) {
		return s.client.Expire(ctx, key, ttl).Result()
	})
	if err != nil {
		return wrapErr("expire", err)
	}
	return nil
}

// SAdd adds members to a set.
func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := withRetry(ctx, func() (int64, error) {
		return s.client.SAdd(ctx, key, args...).Result()
	})
	if err != nil {
		return wrapErr("sadd", err)
	}
	return nil
}

// SRem removes members from a set.
func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := withRetry(ctx, func() (int64, error) {
		return s.client.SRem(ctx, key, args...).Result()
	})
	if err != nil {
		return wrapErr("srem", err)
	}
	return nil
}

// SMembers returns all members of a set.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := withRetry(ctx, func() ([]string, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, wrapErr("smembers", err)
	}
	return members, nil
}

// SCard returns the cardinality of a set.
func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := withRetry(ctx, func() (int64, error) {
		return s.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, wrapErr("scard", err)
	}
	return n, nil
}

// RPush appends values to a list.
func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := withRetry(ctx, func() (int64, error) {
		return s.client.RPush(ctx, key, args...).Result()
	})
	if err != nil {
		return wrapErr("rpush", err)
	}
	return nil
}

// LPop removes and returns the head of a list; ok is false when the list is empty.
func (s *RedisStore) LPop(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		val string
		ok  bool
	}
	res, err := withRetry(ctx, func() (result, error) {
		v, err := s.client.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{v, true}, nil
	})
	if err != nil {
		return "", false, wrapErr("lpop", err)
	}
	return res.val, res.ok, nil
}

// LRange returns the list elements in [start, stop].
func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := withRetry(ctx, func() ([]string, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, wrapErr("lrange", err)
	}
	return vals, nil
}

// LTrim trims a list to the range [start, stop].
func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	_, err := withRetry(ctx, func() (string, error) {
		return s.client.LTrim(ctx, key, start, stop).Result()
	})
	if err != nil {
		return wrapErr("ltrim", err)
	}
	return nil
}

// LLen returns the length of a list.
func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := withRetry(ctx, func() (int64, error) {
		return s.client.LLen(ctx, key).Result()
	})
	if err != nil {
		return 0, wrapErr("llen", err)
	}
	return n, nil
}

// HSet writes a hash field.
func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	_, err := withRetry(ctx, func() (int64, error) {
		return s.client.HSet(ctx, key, field, value).Result()
	})
	if err != nil {
		return wrapErr("hset", err)
	}
	return nil
}

// HGet reads a hash field; ok is false when the field does not exist.
func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	type result struct {
		val string
		ok  bool
	}
	res, err := withRetry(ctx, func() (result, error) {
		v, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{v, true}, nil
	})
	if err != nil {
		return "", false, wrapErr("hget", err)
	}
	return res.val, res.ok, nil
}

// HGetAll returns all fields of a hash.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := withRetry(ctx, func() (map[string]string, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, wrapErr("hgetall", err)
	}
	return m, nil
}

// HDel removes hash fields, returning how many existed.
func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := withRetry(ctx, func() (int64, error) {
		return s.client.HDel(ctx, key, fields...).Result()
	})
	if err != nil {
		return 0, wrapErr("hdel", err)
	}
	return n, nil
}

// ZAdd adds scored members to a sorted set.
func (s *RedisStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	_, err := withRetry(ctx, func() (int64, error) {
		return s.client.ZAdd(ctx, key, zs...).Result()
	})
	if err != nil {
		return wrapErr("zadd", err)
	}
	return nil
}

// ZRangeByScore returns members with scores in [min, max].
func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	vals, err := withRetry(ctx, func() ([]string, error) {
		return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: fmt.Sprintf("%f", min),
			Max: fmt.Sprintf("%f", max),
		}).Result()
	})
	if err != nil {
		return nil, wrapErr("zrangebyscore", err)
	}
	return vals, nil
}

// ZRem removes members from a sorted set, returning how many were removed.
func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := withRetry(ctx, func() (int64, error) {
		return s.client.ZRem(ctx, key, args...).Result()
	})
	if err != nil {
		return 0, wrapErr("zrem", err)
	}
	return n, nil
}

// Keys returns keys matching pattern. Reapers only.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := withRetry(ctx, func() ([]string, error) {
		return s.client.Keys(ctx, pattern).Result()
	})
	if err != nil {
		return nil, wrapErr("keys", err)
	}
	return keys, nil
}

// Publish sends payload on channel.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := withRetry(ctx, func() (int64, error) {
		return s.client.Publish(ctx, channel, payload).Result()
	})
	if err != nil {
		return wrapErr("publish", err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	done   chan struct{}
}

func (r *redisSubscription) Messages() <-chan Message { return r.ch }

func (r *redisSubscription) Unsubscribe() error {
	err := r.pubsub.Close()
	<-r.done
	return err
}

// Subscribe opens a pub/sub subscription on channel. The returned subscription
// is live once this call returns.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so publishes after this call are
	// guaranteed to be observed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrapErr("subscribe", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message, 64),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			sub.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()

	return sub, nil
}

// Ping verifies connectivity to the store.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := withRetry(ctx, func() (string, error) {
		return s.client.Ping(ctx).Result()
	})
	if err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
