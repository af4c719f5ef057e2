// Package cache adapts Redis into the write-back cache used by the counter and visit log
// services: typed values in a tagged envelope, prefix enumeration, atomic sequences and
// optimistic read-modify-write.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	scanCount     = 500
	maxTxAttempts = 16
)

// raiseFloorScript sets KEYS[1] to ARGV[1] when the current value is lower.
var raiseFloorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if cur < floor then
	redis.call('SET', KEYS[1], ARGV[1])
	return floor
end
return cur
`)

// Store wraps a Redis client.
type Store struct {
	rc     redis.UniversalClient
	logger *zap.Logger
}

// New creates a Store. A nil logger disables logging.
func New(rc redis.UniversalClient, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rc: rc, logger: logger}
}

// Client exposes the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.rc }

// Keys enumerates all keys under prefix using SCAN. SCAN may report a key more than once;
// the result is deduplicated and keeps first-seen order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rc.Scan(ctx, cursor, prefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s*: %w", prefix, err)
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Delete removes keys and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rc.Del(ctx, keys...).Result()
}

// Next returns the next value of an atomic sequence.
func (s *Store) Next(ctx context.Context, seqKey string) (int64, error) {
	return s.rc.Incr(ctx, seqKey).Result()
}

// RaiseFloor makes sure the sequence will never hand out a value <= floor.
func (s *Store) RaiseFloor(ctx context.Context, seqKey string, floor int64) error {
	return raiseFloorScript.Run(ctx, s.rc, []string{seqKey}, floor).Err()
}

// SetCounterAlias records that the temporary counter id tempID was replaced by id. Log entries
// written before the replacement still carry tempID and are rewritten when they are flushed.
func (s *Store) SetCounterAlias(ctx context.Context, tempID, id int64, ttl time.Duration) error {
	return s.rc.Set(ctx, counterAliasKey(tempID), id, nonNegative(ttl)).Err()
}

// CounterAliases resolves temporary counter ids recorded by SetCounterAlias. Ids without an
// alias are left out of the result.
func (s *Store) CounterAliases(ctx context.Context, tempIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64)
	if len(tempIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(tempIDs))
	for i, id := range tempIDs {
		keys[i] = counterAliasKey(id)
	}
	vals, err := s.rc.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		out[tempIDs[i]] = id
	}
	return out, nil
}

// Get reads and decodes a single entry.
func Get[T any](ctx context.Context, s *Store, kind Kind, key string) (*Entry[T], error) {
	raw, err := s.rc.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	v, durable, err := decode[T](raw, kind)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", key, err)
	}
	return &Entry[T]{Key: key, Value: v, Durable: durable}, nil
}

// MultiGet reads keys in one round trip. Missing keys are dropped, corrupt values are
// logged and dropped; neither aborts the call.
func MultiGet[T any](ctx context.Context, s *Store, kind Kind, keys []string) ([]Entry[T], error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rc.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry[T], 0, len(vals))
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		v, durable, err := decode[T]([]byte(str), kind)
		if err != nil {
			s.logger.Warn("skipping corrupt cache entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, Entry[T]{Key: keys[i], Value: v, Durable: durable})
	}
	return out, nil
}

// Put writes v under key. ttl <= 0 stores without expiry.
func Put[T any](ctx context.Context, s *Store, kind Kind, key string, v T, durable bool, ttl time.Duration) error {
	b, err := encode(kind, v, durable)
	if err != nil {
		return err
	}
	return s.rc.Set(ctx, key, b, nonNegative(ttl)).Err()
}

// PutIfAbsent writes v only when key does not exist and reports whether it wrote.
func PutIfAbsent[T any](ctx context.Context, s *Store, kind Kind, key string, v T, durable bool, ttl time.Duration) (bool, error) {
	b, err := encode(kind, v, durable)
	if err != nil {
		return false, err
	}
	return s.rc.SetNX(ctx, key, b, nonNegative(ttl)).Result()
}

// Update applies fn to the current value under key inside a WATCH/MULTI transaction and
// retries when another client modified the key concurrently. The durability flag is
// reset, since any mutation makes the entry differ from the durable row. Errors returned by
// fn abort the update and are passed through unchanged.
func Update[T any](ctx context.Context, s *Store, kind Kind, key string, ttl time.Duration, fn func(*T) error) (T, error) {
	var result T
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		v, _, err := decode[T](raw, kind)
		if err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
		if err := fn(&v); err != nil {
			return err
		}
		b, err := encode(kind, v, false)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, nonNegative(ttl))
			return nil
		})
		if err == nil {
			result = v
		}
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rc.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	var zero T
	return zero, fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

// Remap moves an entry from oldKey to newKey and marks it durable. When newKey already
// holds a different non-durable entry, that entry is left untouched and only oldKey is
// retired; cached reports whether the value was written under newKey.
func Remap[T any](ctx context.Context, s *Store, kind Kind, oldKey, newKey string, v T, ttl time.Duration) (cached bool, err error) {
	b, err := encode(kind, v, true)
	if err != nil {
		return false, err
	}
	txf := func(tx *redis.Tx) error {
		cached = true
		if newKey != oldKey {
			raw, err := tx.Get(ctx, newKey).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if _, durable, derr := decode[T](raw, kind); derr == nil && !durable {
					cached = false
				}
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, oldKey)
			if cached {
				pipe.Set(ctx, newKey, b, nonNegative(ttl))
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.rc.Watch(ctx, txf, oldKey, newKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return cached, err
	}
	return false, fmt.Errorf("remap %s -> %s: %w", oldKey, newKey, redis.TxFailedErr)
}

func nonNegative(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
