package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/models"
)

const (
	queueKey      = "usage:queue"
	retryKey      = "usage:retry"
	deadLetterKey = "usage:dead"

	// Dead-lettered batches are kept a week for operator replay, then
	// the whole list expires if nothing new arrives.
	deadLetterTTL = 7 * 24 * time.Hour
)

// Job is one batch of events moving through the queue. Attempts ride
// along so the retry backoff can grow without extra bookkeeping keys.
type Job struct {
	ID       string                `json:"id"`
	Events   []models.RequestEvent `json:"events"`
	Attempts int                   `json:"attempts"`
	Enqueued time.Time             `json:"enqueued"`
}

// Queue is the redis-backed job pipe between gateways and workers:
// a list for ready work, a sorted set for scheduled retries, and a
// capped dead-letter list for batches that kept failing.
type Queue struct {
	redis  *redis.Client
	logger *zap.Logger

	maxRetries   int
	retryBackoff time.Duration
}

func NewQueue(rdb *redis.Client, logger *zap.Logger, maxRetries int, retryBackoff time.Duration) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}
	return &Queue{
		redis:        rdb,
		logger:       logger,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
	}
}

// Enqueue pushes a fresh batch onto the ready list.
func (q *Queue) Enqueue(ctx context.Context, events []models.RequestEvent) error {
	job := Job{
		ID:       uuid.New().String(),
		Events:   events,
		Enqueued: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal usage job: %w", err)
	}
	return q.redis.LPush(ctx, queueKey, raw).Err()
}

// Dequeue blocks up to timeout for the next ready job.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.redis.BRPop(ctx, timeout, queueKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.logger.Error("dropping undecodable usage job", zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry reschedules a failed job with exponential backoff, or moves it
// to the dead letter list once attempts are spent.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempts++
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal usage job: %w", err)
	}

	if job.Attempts > q.maxRetries {
		q.logger.Error("usage job exhausted retries, dead-lettering",
			zap.String("job_id", job.ID),
			zap.Int("events", len(job.Events)),
			zap.Int("attempts", job.Attempts))
		pipe := q.redis.Pipeline()
		pipe.LPush(ctx, deadLetterKey, raw)
		pipe.LTrim(ctx, deadLetterKey, 0, 9999)
		pipe.Expire(ctx, deadLetterKey, deadLetterTTL)
		_, err := pipe.Exec(ctx)
		return err
	}

	delay := time.Duration(math.Pow(2, float64(job.Attempts-1))) * q.retryBackoff
	dueAt := time.Now().Add(delay)
	return q.redis.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: raw,
	}).Err()
}

// PromoteDue moves retry jobs whose backoff has elapsed back onto the
// ready list. Workers call this on a short interval.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	members, err := q.redis.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}

	promoted := 0
	for _, raw := range members {
		// ZREM before LPUSH: a job briefly lost beats a job duplicated,
		// since the insert dedup would absorb the duplicate anyway.
		removed, err := q.redis.ZRem(ctx, retryKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.redis.LPush(ctx, queueKey, raw).Err(); err != nil {
			q.logger.Error("failed to promote retry job", zap.Error(err))
			continue
		}
		promoted++
	}
	return promoted, nil
}

// Depths reports queue sizes for health and metrics surfaces.
func (q *Queue) Depths(ctx context.Context) (ready, retry, dead int64) {
	ready, _ = q.redis.LLen(ctx, queueKey).Result()
	retry, _ = q.redis.ZCard(ctx, retryKey).Result()
	dead, _ = q.redis.LLen(ctx, deadLetterKey).Result()
	return ready, retry, dead
}
