package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	attemptCountField = "count"
	attemptTimeField  = "ts"
)

// RedisAttemptStore keeps failed-login counters in Redis hashes, one per
// identity, so several service instances share the same lockout state.
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisAttemptStore(client redis.UniversalClient, prefix string) *RedisAttemptStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger"
	}
	return &RedisAttemptStore{
		client: client,
		prefix: trimmedPrefix + ":login_attempts:",
	}
}

func (s *RedisAttemptStore) key(identity string) string {
	return s.prefix + identity
}

func redisErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: redis: %v", domain.ErrStoreUnavailable, err)
}

func decodeAttempt(identity string, fields map[string]string) (*domain.FailedLoginAttempt, error) {
	if len(fields) == 0 {
		return nil, domain.ErrAttemptNotFound
	}
	count, err := strconv.Atoi(fields[attemptCountField])
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt attempt count for %q", domain.ErrStoreUnavailable, identity)
	}
	nanos, err := strconv.ParseInt(fields[attemptTimeField], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt attempt timestamp for %q", domain.ErrStoreUnavailable, identity)
	}
	return &domain.FailedLoginAttempt{
		Identity:            identity,
		TotalFailedAttempts: count,
		Timestamp:           time.Unix(0, nanos).UTC(),
	}, nil
}

func (s *RedisAttemptStore) GetFailedAttempt(ctx context.Context, identity string) (*domain.FailedLoginAttempt, error) {
	fields, err := s.client.HGetAll(ctx, s.key(identity)).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	return decodeAttempt(identity, fields)
}

// RecordFailedAttempt increments the counter and refreshes the timestamp in
// one MULTI block.
func (s *RedisAttemptStore) RecordFailedAttempt(ctx context.Context, identity string, at time.Time) (*domain.FailedLoginAttempt, error) {
	key := s.key(identity)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, attemptCountField, 1)
		pipe.HSet(ctx, key, attemptTimeField, at.UnixNano())
		return nil
	})
	if err != nil {
		return nil, redisErr(err)
	}
	return &domain.FailedLoginAttempt{
		Identity:            identity,
		TotalFailedAttempts: int(incr.Val()),
		Timestamp:           at,
	}, nil
}

func (s *RedisAttemptStore) DeleteFailedAttempt(ctx context.Context, identity string) error {
	return redisErr(s.client.Del(ctx, s.key(identity)).Err())
}

// deleteIfExpired removes key under WATCH when it still holds a finished
// lockout. redis.TxFailedErr means a concurrent write touched the key.
func (s *RedisAttemptStore) deleteIfExpired(ctx context.Context, key, identity string, threshold int, cutoff time.Time) (bool, error) {
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		attempt, err := decodeAttempt(identity, fields)
		if err != nil || !expiredAttempt(attempt, threshold, cutoff) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)
	return deleted, err
}

// DeleteExpiredAttempt deletes the identity's hash if it is still a finished
// lockout. A failure recorded between the read and the delete aborts the
// transaction and the record is kept.
func (s *RedisAttemptStore) DeleteExpiredAttempt(ctx context.Context, identity string, threshold int, cutoff time.Time) (bool, error) {
	deleted, err := s.deleteIfExpired(ctx, s.key(identity), identity, threshold, cutoff)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, redisErr(err)
	}
	return deleted, nil
}

// PurgeExpiredAttempts scans the identity keys and deletes finished lockouts.
// Each delete is guarded by WATCH; a key touched by a concurrent failure is
// left alone.
func (s *RedisAttemptStore) PurgeExpiredAttempts(ctx context.Context, threshold int, cutoff time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		deleted, err := s.deleteIfExpired(ctx, key, strings.TrimPrefix(key, s.prefix), threshold, cutoff)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return removed, redisErr(err)
		}
		if deleted {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, redisErr(err)
	}
	return removed, nil
}
