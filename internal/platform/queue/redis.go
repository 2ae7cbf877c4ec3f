package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// pendingTTL bounds how long a case stays marked as queued if a worker dies
// between BRPOP and clearing the marker.
const pendingTTL = 15 * time.Minute

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisQueue stores jobs as JSON in a Redis list: producers LPUSH, workers
// BRPOP, giving FIFO order across processes.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) pendingKey(caseID string) string {
	return q.key + ":pending:" + caseID
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ok, err := q.rdb.SetNX(ctx, q.pendingKey(job.CaseID), job.ID, pendingTTL).Result()
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}

	if err := q.rdb.LPush(ctx, q.key, raw).Err(); err != nil {
		_ = q.rdb.Del(context.WithoutCancel(ctx), q.pendingKey(job.CaseID)).Err()
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, wait, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("brpop: %w", err)
	}
	// res = [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("brpop: unexpected reply %v", res)
	}

	job, err := decodeJob(res[1])
	if err != nil {
		return nil, err
	}
	// The job is already off the list. A marker left behind expires after
	// pendingTTL.
	if err := q.rdb.Del(ctx, q.pendingKey(job.CaseID)).Err(); err != nil {
		log.Warn().Err(err).Str("case_id", job.CaseID).Str("job_id", job.ID).Msg("failed to clear pending marker")
	}
	return job, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

func decodeJob(raw string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.CaseID == "" {
		return nil, fmt.Errorf("decode job: missing caseId")
	}
	return &job, nil
}
