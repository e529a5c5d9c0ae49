package coordination

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store implements the coordination store operations used across the
// core: string get/set with TTL, atomic compare-and-delete, counters,
// sorted sets for sliding windows, lists for buffering, hashes for
// aggregate counters, and distributed locks. All methods are fail-closed:
// a store error is always returned to the caller, never swallowed into a
// default "allow" outcome.
type Store struct {
	cmd Cmdable
}

// NewStore creates a Store backed by cmd.
func NewStore(cmd Cmdable) *Store {
	return &Store{cmd: cmd}
}

// SetWithTTL sets key to value with the given expiry.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "coordination.set_with_ttl")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "SET"))

	if err := s.cmd.Set(ctx, key, value, ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Get reads the value stored at key. It returns (value, false, nil) if
// the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "coordination.get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "GET"))

	val, err := s.cmd.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return val, true, nil
}

// Delete removes key unconditionally.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "coordination.delete")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "DEL"))

	if err := s.cmd.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// compareAndDeleteScript deletes key only if its current value equals
// ARGV[1]. Avoids the check-then-delete race a GET followed by a DEL
// would introduce between two concurrent verify attempts.
const compareAndDeleteScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// CompareAndDelete deletes key only if its current value equals expected.
// Returns true if the delete happened.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, span := tracer.Start(ctx, "coordination.compare_and_delete")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "EVAL"))

	deleted, err := s.cmd.Eval(ctx, compareAndDeleteScript, []string{key}, expected).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("compare-and-delete %q: %w", key, err)
	}
	return deleted == 1, nil
}

// incrWithTTLScript atomically increments a counter and sets a TTL on
// the first write only, so repeat increments never reset the window.
const incrWithTTLScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`

// IncrWithTTL atomically increments the counter at key, setting ttlSeconds
// as its expiry only on the increment that creates the key.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttlSeconds int) (int64, error) {
	ctx, span := tracer.Start(ctx, "coordination.incr_with_ttl")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "EVAL"))

	count, err := s.cmd.Eval(ctx, incrWithTTLScript, []string{key}, ttlSeconds).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("incr-with-ttl %q: %w", key, err)
	}
	return count, nil
}

// DecrBy atomically decrements the counter at key by delta. Used to release
// a rate limiter's in-flight slot; never sets or refreshes a TTL, since the
// key's expiry is owned by whichever IncrWithTTL call first created it.
func (s *Store) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "coordination.decrby")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "DECRBY"))

	count, err := s.cmd.DecrBy(ctx, key, delta).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("decrby %q: %w", key, err)
	}
	return count, nil
}

// ZAdd adds member to the sorted set at key with the given score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, span := tracer.Start(ctx, "coordination.zadd")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "ZADD"))

	if err := s.cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("zadd %q: %w", key, err)
	}
	return nil
}

// ZRemRangeByScore removes every member of the sorted set at key whose
// score falls in [min, max]. Used to evict entries that fall outside a
// sliding window before counting what remains.
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, span := tracer.Start(ctx, "coordination.zremrangebyscore")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "ZREMRANGEBYSCORE"))

	minStr := fmt.Sprintf("%f", min)
	maxStr := fmt.Sprintf("%f", max)
	if err := s.cmd.ZRemRangeByScore(ctx, key, minStr, maxStr).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("zremrangebyscore %q: %w", key, err)
	}
	return nil
}

// ZCount returns the number of members of the sorted set at key with
// score in [min, max].
func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, span := tracer.Start(ctx, "coordination.zcount")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "ZCOUNT"))

	minStr := fmt.Sprintf("%f", min)
	maxStr := fmt.Sprintf("%f", max)
	count, err := s.cmd.ZCount(ctx, key, minStr, maxStr).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("zcount %q: %w", key, err)
	}
	return count, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, span := tracer.Start(ctx, "coordination.zcard")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "ZCARD"))

	count, err := s.cmd.ZCard(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("zcard %q: %w", key, err)
	}
	return count, nil
}

// ZRange returns members of the sorted set at key in [start, stop] rank order.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, span := tracer.Start(ctx, "coordination.zrange")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "ZRANGE"))

	members, err := s.cmd.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("zrange %q: %w", key, err)
	}
	return members, nil
}

// RPush appends value to the list at key.
func (s *Store) RPush(ctx context.Context, key string, value string) error {
	ctx, span := tracer.Start(ctx, "coordination.rpush")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "RPUSH"))

	if err := s.cmd.RPush(ctx, key, value).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("rpush %q: %w", key, err)
	}
	return nil
}

// LRange returns elements of the list at key in [start, stop] index order.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, span := tracer.Start(ctx, "coordination.lrange")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "LRANGE"))

	values, err := s.cmd.LRange(ctx, key, start, stop).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("lrange %q: %w", key, err)
	}
	return values, nil
}

// LTrim trims the list at key to the [start, stop] index range. The
// token-usage buffer does not call it, so its coordination-store list is
// not length-capped.
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, span := tracer.Start(ctx, "coordination.ltrim")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "LTRIM"))

	if err := s.cmd.LTrim(ctx, key, start, stop).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ltrim %q: %w", key, err)
	}
	return nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	ctx, span := tracer.Start(ctx, "coordination.llen")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "LLEN"))

	n, err := s.cmd.LLen(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("llen %q: %w", key, err)
	}
	return n, nil
}

// popBatchScript atomically reads up to ARGV[1] elements from the head of
// the list and trims them off in the same round-trip, so a reader and a
// concurrent appender can never interleave into a torn batch.
const popBatchScript = `
local items = redis.call('LRANGE', KEYS[1], 0, ARGV[1] - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], ARGV[1], -1)
end
return items
`

// PopBatch atomically removes and returns up to n elements from the head
// of the list at key. Used by the Token-Usage Buffer's flush worker to
// read-and-trim a batch in one round-trip (spec.md §4.5).
func (s *Store) PopBatch(ctx context.Context, key string, n int64) ([]string, error) {
	ctx, span := tracer.Start(ctx, "coordination.pop_batch")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "EVAL"))

	items, err := s.cmd.Eval(ctx, popBatchScript, []string{key}, n).StringSlice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("pop-batch %q: %w", key, err)
	}
	return items, nil
}

// LPushBatch restores values to the head of the list at key, preserving
// their original order, so a failed flush's batch goes back to the front
// of the queue (spec.md §4.5's "restore the batch to the front of the
// list" on transaction failure).
func (s *Store) LPushBatch(ctx context.Context, key string, values []string) error {
	if len(values) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "coordination.lpush_batch")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "LPUSH"))

	reversed := make([]interface{}, len(values))
	for i, v := range values {
		reversed[len(values)-1-i] = v
	}
	if err := s.cmd.LPush(ctx, key, reversed...).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("lpush-batch %q: %w", key, err)
	}
	return nil
}

// HSet sets field to value in the hash at key.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	ctx, span := tracer.Start(ctx, "coordination.hset")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "HSET"))

	if err := s.cmd.HSet(ctx, key, field, value).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("hset %q/%q: %w", key, field, err)
	}
	return nil
}

// HGet reads field from the hash at key.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "coordination.hget")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "HGET"))

	val, err := s.cmd.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, fmt.Errorf("hget %q/%q: %w", key, field, err)
	}
	return val, true, nil
}

// HIncrBy atomically increments field in the hash at key by delta.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "coordination.hincrby")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "HINCRBY"))

	val, err := s.cmd.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("hincrby %q/%q: %w", key, field, err)
	}
	return val, nil
}

// Lock represents a held distributed lock. Release is safe to call
// exactly once and is a no-op if the lock already expired.
type Lock struct {
	store *Store
	key   string
	token string
}

// releaseScript deletes the lock key only if it still holds the token
// this holder set, so a lock that already expired and was reacquired by
// another holder is never released out from under them.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Lock attempts to acquire a distributed lock at key for ttl. Returns
// (nil, false, nil) if the lock is already held by someone else.
func (s *Store) Lock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	ctx, span := tracer.Start(ctx, "coordination.lock")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "SET"))

	token, err := randomToken()
	if err != nil {
		return nil, false, fmt.Errorf("generate lock token: %w", err)
	}

	ok, err := s.cmd.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Lock{store: s, key: key, token: token}, true, nil
}

// Release releases the lock if it is still held by this holder.
func (l *Lock) Release(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "coordination.unlock")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "EVAL"))

	if err := l.store.cmd.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("release lock %q: %w", l.key, err)
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Publish publishes message on channel.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	ctx, span := tracer.Start(ctx, "coordination.publish")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "PUBLISH"))

	if err := s.cmd.Publish(ctx, channel, message).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %q: %w", channel, err)
	}
	return nil
}

// Subscriber is implemented by *redis.PubSub; it is the handle returned
// by Subscribe.
type Subscriber interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// Subscribe subscribes to channel and returns a handle whose Channel()
// yields incoming messages until Close is called.
func (c *Client) Subscribe(ctx context.Context, channel string) Subscriber {
	return c.RDB.Subscribe(ctx, channel)
}
