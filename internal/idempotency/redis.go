package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// inflightTTL bounds how long a crashed request can keep its key busy.
const inflightTTL = 30 * time.Second

// RedisStore shares records and in-flight locks between instances.
type RedisStore struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		locker: redislock.New(client),
		prefix: prefix,
	}
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Begin(ctx context.Context, key string) (func(), error) {
	lock, err := r.locker.Obtain(ctx, "lock:"+r.prefix+key, inflightTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtaining idempotency lock: %w", err)
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("storing idempotency record: %w", err)
	}
	return nil
}
