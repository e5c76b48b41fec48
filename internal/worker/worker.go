package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamcast/portal/pkg/queue"
)

const (
	// PollInterval is how often the scheduled set is checked for due jobs.
	PollInterval = 500 * time.Millisecond
	batchSize    = 50
)

// JobSource hands out due jobs and takes back failed ones.
type JobSource interface {
	Due(ctx context.Context, limit int) ([]*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// PollExpirer closes a poll whose deadline has passed.
type PollExpirer interface {
	Expire(ctx context.Context, pollID uuid.UUID) error
}

// PollExpiryProcessor closes polls at their deadline.
type PollExpiryProcessor struct {
	jobs     JobSource
	polls    PollExpirer
	interval time.Duration
	logger   *zap.Logger
}

// NewPollExpiryProcessor creates a poll expiry processor.
func NewPollExpiryProcessor(jobs JobSource, polls PollExpirer, logger *zap.Logger) *PollExpiryProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollExpiryProcessor{jobs: jobs, polls: polls, interval: PollInterval, logger: logger}
}

// Process executes one poll expiry job.
func (p *PollExpiryProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePollExpiry {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PollExpiryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.polls.Expire(ctx, payload.PollID); err != nil {
		return fmt.Errorf("expire poll %s: %w", payload.PollID, err)
	}
	return nil
}

// Run starts the worker loop: claim due jobs, process, retry on error.
func (p *PollExpiryProcessor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poll expiry worker stopping")
			return
		case <-ticker.C:
		}
		p.drain(ctx)
	}
}

func (p *PollExpiryProcessor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		jobs, err := p.jobs.Due(ctx, batchSize)
		if err != nil {
			p.logger.Warn("claim due jobs", zap.Error(err))
		}
		for _, job := range jobs {
			p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
			if err := p.Process(ctx, job); err != nil {
				p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
				if reErr := p.jobs.Retry(ctx, job); reErr != nil {
					p.logger.Error("retry enqueue failed", zap.Error(reErr))
				}
			}
		}
		if err != nil || len(jobs) < batchSize {
			return
		}
	}
}
