package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueScheduled is the Redis sorted set of delayed jobs, scored by due time (unix ms).
	QueueScheduled = "worker:scheduled"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypePollExpiry JobType = "poll_expiry"
)

// PollExpiryPayload is the payload for poll expiry jobs.
type PollExpiryPayload struct {
	PollID   uuid.UUID `json:"poll_id"`
	StreamID uuid.UUID `json:"stream_id"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue schedules and claims delayed jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, now: time.Now}
}

// SchedulePollExpiry schedules the server-side close of a poll at its deadline.
func (q *Queue) SchedulePollExpiry(ctx context.Context, pollID, streamID uuid.UUID, at time.Time) error {
	body, err := json.Marshal(PollExpiryPayload{PollID: pollID, StreamID: streamID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      JobTypePollExpiry,
		Payload:   body,
		CreatedAt: q.now(),
	}
	if err := q.schedule(ctx, job, at); err != nil {
		return err
	}
	q.logger.Debug("scheduled poll expiry", zap.String("job_id", job.ID), zap.String("poll_id", pollID.String()), zap.Time("at", at))
	return nil
}

func (q *Queue) schedule(ctx context.Context, job *Job, at time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.ZAdd(ctx, QueueScheduled, redis.Z{Score: float64(at.UnixMilli()), Member: raw}).Err(); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	return nil
}

// Due claims up to limit jobs whose time has come. A job is claimed by whoever
// removes it from the set, so concurrent workers never run the same job.
func (q *Queue) Due(ctx context.Context, limit int) ([]*Job, error) {
	members, err := q.client.ZRangeByScore(ctx, QueueScheduled, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	var jobs []*Job
	for _, raw := range members {
		removed, err := q.client.ZRem(ctx, QueueScheduled, raw).Result()
		if err != nil {
			return jobs, fmt.Errorf("zrem: %w", err)
		}
		if removed == 0 {
			continue // claimed by another worker
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("invalid job payload", zap.String("raw", raw), zap.Error(err))
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Pending returns the number of scheduled jobs.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, QueueScheduled).Result()
}

// Retry reschedules a job after RetryBackoff with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		raw, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.schedule(ctx, job, q.now().Add(RetryBackoff)); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
