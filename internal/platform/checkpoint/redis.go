package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "labsync:checkpoint:"

// RedisStore keeps each worker's checkpoint in a hash.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func redisKey(worker string) string { return redisKeyPrefix + worker }

func (s *RedisStore) Get(ctx context.Context, worker string) (*Checkpoint, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(worker)).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get %s: %w", worker, err)
	}
	position, ok := fields["position"]
	if !ok {
		return nil, nil
	}
	cp := &Checkpoint{Worker: worker, Position: position}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		cp.UpdatedAt = ts
	}
	return cp, nil
}

func (s *RedisStore) Set(ctx context.Context, worker, position string) error {
	err := s.client.HSet(ctx, redisKey(worker),
		"position", position,
		"updated_at", s.now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("checkpoint: set %s: %w", worker, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, worker string) error {
	if err := s.client.Del(ctx, redisKey(worker)).Err(); err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", worker, err)
	}
	return nil
}
