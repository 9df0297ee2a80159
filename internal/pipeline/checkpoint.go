package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/store"
	"github.com/redis/go-redis/v9"
)

// RedisCheckpoints keeps completed partitions in one Redis set per
// (run, stage). Losing the set only costs recomputation, since every
// partition write is an idempotent upsert.
type RedisCheckpoints struct {
	client *redis.Client
	ttl    time.Duration
}

var _ store.Checkpoints = (*RedisCheckpoints)(nil)

// NewRedisCheckpoints creates a checkpoint store. Sets expire ttl after
// their last write; zero keeps them a week.
func NewRedisCheckpoints(client *redis.Client, ttl time.Duration) *RedisCheckpoints {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisCheckpoints{client: client, ttl: ttl}
}

func checkpointSet(runID string, stage domain.Stage) string {
	return fmt.Sprintf("estimator:checkpoint:%s:%s", runID, stage)
}

func (c *RedisCheckpoints) Done(ctx context.Context, runID string, stage domain.Stage, partition string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, checkpointSet(runID, stage), partition).Result()
	if err != nil {
		return false, fmt.Errorf("checkpoint lookup: %w", err)
	}
	return ok, nil
}

func (c *RedisCheckpoints) MarkDone(ctx context.Context, runID string, stage domain.Stage, partition string) error {
	key := checkpointSet(runID, stage)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, partition)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkpoint write: %w", err)
	}
	return nil
}
