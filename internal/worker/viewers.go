package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/models"
	"github.com/streamcast/portal/internal/task"
)

// LiveStreams lists the streams whose audience should be told the viewer count.
type LiveStreams interface {
	ListLiveIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ViewerCounter counts viewers with a recent heartbeat.
type ViewerCounter interface {
	Count(ctx context.Context, streamID uuid.UUID) (int, error)
}

// Publisher delivers an event to a stream's subscribers.
type Publisher interface {
	Publish(streamID uuid.UUID, event string, payload interface{})
}

// ViewerCountBroadcaster pushes the heartbeat-derived viewer count to every live stream.
type ViewerCountBroadcaster struct {
	streams LiveStreams
	counter ViewerCounter
	pub     Publisher
	logger  *zap.Logger
	task    *task.Periodic
}

// NewViewerCountBroadcaster creates a stopped broadcaster ticking every interval.
func NewViewerCountBroadcaster(streams LiveStreams, counter ViewerCounter, pub Publisher, interval time.Duration, logger *zap.Logger) *ViewerCountBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &ViewerCountBroadcaster{streams: streams, counter: counter, pub: pub, logger: logger}
	b.task = task.NewPeriodic("viewer-count", interval, b.Tick, logger, task.Immediate())
	return b
}

// Start begins broadcasting.
func (b *ViewerCountBroadcaster) Start() { b.task.Start() }

// Stop halts broadcasting and waits for an in-flight tick.
func (b *ViewerCountBroadcaster) Stop() { b.task.Stop() }

// Tick publishes one viewerCount event per live stream.
func (b *ViewerCountBroadcaster) Tick(ctx context.Context) {
	ids, err := b.streams.ListLiveIDs(ctx)
	if err != nil {
		b.logger.Warn("list live streams", zap.Error(err))
		return
	}
	for _, id := range ids {
		n, err := b.counter.Count(ctx, id)
		if err != nil {
			b.logger.Warn("count viewers", zap.String("stream_id", id.String()), zap.Error(err))
			continue
		}
		b.pub.Publish(id, models.EventViewerCount, models.ViewerCount{Count: n})
	}
}
