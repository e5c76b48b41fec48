package polls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/metrics"
	"github.com/streamcast/portal/internal/models"
)

const (
	DefaultDuration = 60 * time.Second
	MinDuration     = 10 * time.Second
	MaxDuration     = time.Hour
	MinOptions      = 2
	MaxOptions      = 6

	maxQuestionLen = 200
	maxOptionLen   = 80
)

var (
	ErrInvalidPoll   = errors.New("invalid poll")
	ErrPollClosed    = errors.New("poll is closed")
	ErrUnknownOption = errors.New("unknown option")
	ErrWrongStream   = errors.New("poll belongs to another stream")
)

// Store is the poll persistence the service needs.
type Store interface {
	Create(ctx context.Context, p *models.Poll) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Poll, error)
	Active(ctx context.Context, streamID uuid.UUID) (*models.Poll, error)
	Close(ctx context.Context, id uuid.UUID) (bool, error)
	Vote(ctx context.Context, pollID, optionID uuid.UUID, viewerID string) error
}

// Publisher fans an event out to every subscriber of a stream.
type Publisher interface {
	Publish(streamID uuid.UUID, event string, payload interface{})
}

// Scheduler arranges for a poll to be expired at its deadline.
type Scheduler interface {
	SchedulePollExpiry(ctx context.Context, pollID, streamID uuid.UUID, at time.Time) error
}

// Service runs the poll lifecycle: launch, vote, close and expiry.
type Service struct {
	store  Store
	pub    Publisher
	sched   Scheduler
	metrics *metrics.Server
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// NewService creates a poll service. With a nil scheduler, expiry runs on an
// in-process timer.
func NewService(store Store, pub Publisher, sched Scheduler, m *metrics.Server, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		pub:     pub,
		sched:   sched,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		timers:  make(map[uuid.UUID]*time.Timer),
	}
}

// Launch opens a poll on a stream, closing whichever poll was active there.
func (s *Service) Launch(ctx context.Context, streamID uuid.UUID, question string, options []string, duration time.Duration) (*models.Poll, error) {
	question = strings.TrimSpace(question)
	if question == "" || utf8.RuneCountInString(question) > maxQuestionLen {
		return nil, fmt.Errorf("%w: question must be 1-%d characters", ErrInvalidPoll, maxQuestionLen)
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return nil, fmt.Errorf("%w: between %d and %d options required", ErrInvalidPoll, MinOptions, MaxOptions)
	}
	opts := make([]models.PollOption, 0, len(options))
	for _, text := range options {
		text = strings.TrimSpace(text)
		if text == "" || utf8.RuneCountInString(text) > maxOptionLen {
			return nil, fmt.Errorf("%w: options must be 1-%d characters", ErrInvalidPoll, maxOptionLen)
		}
		opts = append(opts, models.PollOption{Text: text})
	}
	if duration == 0 {
		duration = DefaultDuration
	}
	if duration < MinDuration || duration > MaxDuration {
		return nil, fmt.Errorf("%w: duration must be between %s and %s", ErrInvalidPoll, MinDuration, MaxDuration)
	}

	current, err := s.store.Active(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if _, err := s.close(ctx, current.ID, "replaced"); err != nil {
			return nil, err
		}
	}

	p := &models.Poll{
		StreamID:  streamID,
		Question:  question,
		Options:   opts,
		ExpiresAt: s.now().Add(duration).Unix(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.pub.Publish(streamID, models.EventNewPoll, p)
	s.scheduleExpiry(ctx, p)
	s.metrics.IncPoll("launched")
	s.logger.Info("poll launched", zap.String("poll_id", p.ID.String()), zap.String("stream_id", streamID.String()), zap.Int("options", len(opts)))
	return p, nil
}

func (s *Service) scheduleExpiry(ctx context.Context, p *models.Poll) {
	if s.sched != nil {
		err := s.sched.SchedulePollExpiry(ctx, p.ID, p.StreamID, p.Deadline())
		if err == nil {
			return
		}
		s.logger.Warn("schedule poll expiry failed, using local timer", zap.String("poll_id", p.ID.String()), zap.Error(err))
	}
	pollID := p.ID
	s.mu.Lock()
	if old, ok := s.timers[pollID]; ok {
		old.Stop()
	}
	s.timers[pollID] = time.AfterFunc(p.Deadline().Sub(s.now()), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Expire(ctx, pollID); err != nil {
			s.logger.Error("expire poll", zap.String("poll_id", pollID.String()), zap.Error(err))
		}
	})
	s.mu.Unlock()
}

// Close ends a poll and announces its final tallies. Closing a closed poll is a no-op.
func (s *Service) Close(ctx context.Context, pollID uuid.UUID) error {
	_, err := s.close(ctx, pollID, "closed")
	return err
}

func (s *Service) close(ctx context.Context, pollID uuid.UUID, reason string) (bool, error) {
	p, err := s.store.GetByID(ctx, pollID)
	if err != nil {
		return false, err
	}
	closed, err := s.store.Close(ctx, pollID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if t, ok := s.timers[pollID]; ok {
		t.Stop()
		delete(s.timers, pollID)
	}
	s.mu.Unlock()
	if !closed {
		return false, nil
	}
	p.Closed = true
	s.pub.Publish(p.StreamID, models.EventPollResults, p)
	s.pub.Publish(p.StreamID, models.EventPollClosed, models.PollClosed{PollID: pollID})
	s.metrics.IncPoll(reason)
	return true, nil
}

// Expire closes a poll whose deadline has passed.
func (s *Service) Expire(ctx context.Context, pollID uuid.UUID) error {
	closed, err := s.close(ctx, pollID, "expired")
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("expired poll no longer exists", zap.String("poll_id", pollID.String()))
		return nil
	}
	if closed {
		s.logger.Info("poll expired", zap.String("poll_id", pollID.String()))
	}
	return err
}

// Vote records a viewer's choice and broadcasts the updated tallies.
func (s *Service) Vote(ctx context.Context, streamID, pollID, optionID uuid.UUID, viewerID string) error {
	p, err := s.store.GetByID(ctx, pollID)
	if err != nil {
		return err
	}
	if p.StreamID != streamID {
		return ErrWrongStream
	}
	if p.Closed || !s.now().Before(p.Deadline()) {
		return ErrPollClosed
	}
	if _, ok := p.Option(optionID); !ok {
		return ErrUnknownOption
	}
	if err := s.store.Vote(ctx, pollID, optionID, viewerID); err != nil {
		return err
	}
	s.metrics.IncVote()
	updated, err := s.store.GetByID(ctx, pollID)
	if err != nil {
		return err
	}
	s.pub.Publish(streamID, models.EventPollResults, updated)
	return nil
}

// Active returns the stream's open poll, or nil.
func (s *Service) Active(ctx context.Context, streamID uuid.UUID) (*models.Poll, error) {
	return s.store.Active(ctx, streamID)
}

// Get returns a poll with its tallies.
func (s *Service) Get(ctx context.Context, pollID uuid.UUID) (*models.Poll, error) {
	return s.store.GetByID(ctx, pollID)
}

// Stop cancels in-process expiry timers.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
