package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// RedisQueue is the shared backend for multi-instance control planes: jobs
// are JSON payloads on a Redis list, one list per queue class.
type RedisQueue struct {
	rdb  *r.Client
	name string
}

func NewRedisQueue(rdb *r.Client, name string) *RedisQueue {
	return &RedisQueue{rdb: rdb, name: name}
}

func (q *RedisQueue) key() string { return "pixel:queue:" + q.name }

func (q *RedisQueue) Push(ctx context.Context, job BuildJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.rdb.LPush(ctx, q.key(), b).Err()
}

// Pop blocks in one-second slices so context cancellation is honored
// promptly even though BRPop itself only supports a fixed timeout.
func (q *RedisQueue) Pop(ctx context.Context) (BuildJob, bool, error) {
	for {
		res, err := q.rdb.BRPop(ctx, time.Second, q.key()).Result()
		if errors.Is(err, r.Nil) {
			select {
			case <-ctx.Done():
				return BuildJob{}, false, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return BuildJob{}, false, ctx.Err()
			}
			return BuildJob{}, false, err
		}
		if len(res) != 2 {
			continue
		}
		var job BuildJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return BuildJob{}, false, fmt.Errorf("decode job: %w", err)
		}
		return job, true, nil
	}
}
