package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const triggerKeyPrefix = "calsync:manual_sync:"

type RedisTriggerStore struct {
	client *redis.Client
}

func NewRedisTriggerStore(client *redis.Client) *RedisTriggerStore {
	return &RedisTriggerStore{client: client}
}

func (r *RedisTriggerStore) CheckTriggerLimit(ctx context.Context, ownerID string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	key := triggerKeyPrefix + ownerID
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment trigger count: %w", err)
	}

	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set trigger window: %w", err)
		}
	}

	return count <= int64(limit), nil
}

func (r *RedisTriggerStore) ClearTriggers(ctx context.Context, ownerID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, triggerKeyPrefix+ownerID).Err(); err != nil {
		return fmt.Errorf("failed to clear trigger count: %w", err)
	}
	return nil
}
