package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecheckJob asks a worker to run the cleanup/restore pipeline for one
// category (or all categories when Category is empty).
type RecheckJob struct {
	Category    string    `json:"category"`
	RequestedAt time.Time `json:"requested_at"`
}

// DefaultQueue is the Redis list key used for the recheck job queue.
const DefaultQueue = "streamkeeper:jobs:recheck"

// Enqueue pushes a job onto the left side of a Redis list.
func (r *Redis) Enqueue(ctx context.Context, queue string, job RecheckJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	return r.client.LPush(ctx, queue, data).Err()
}

// Dequeue blocks until a job is available on the right side of the list or
// the timeout expires. When the timeout elapses without a job, (nil, nil)
// is returned so the caller can loop and check for shutdown.
func (r *Redis) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*RecheckJob, error) {
	result, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // timeout, no job available
		}
		// Context cancelled (shutdown) — not an error.
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	var job RecheckJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("queue unmarshal: %w", err)
	}
	return &job, nil
}
