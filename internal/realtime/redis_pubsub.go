package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "stream:"
	publishTimeout = 5 * time.Second
)

// wireEvent is one stream event as carried on a Redis channel.
type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	// SentAt is unix milliseconds at the publishing instance.
	SentAt int64 `json:"sentAt"`
}

// RedisPubSub fans stream events out to every server instance. Each stream with
// local subscribers holds one Redis subscription, owned by a reader goroutine.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger

	mu      sync.Mutex
	readers map[*redis.PubSub]struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewRedisPubSub creates a Redis pub/sub bridge for stream events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger, readers: make(map[*redis.PubSub]struct{})}
}

// ChannelName is the Redis channel carrying a stream's events.
func ChannelName(streamID uuid.UUID) string {
	return channelPrefix + streamID.String()
}

// PublishStreamEvent publishes an already-encoded payload on the stream's channel.
func (r *RedisPubSub) PublishStreamEvent(streamID uuid.UUID, event string, payload []byte) error {
	body, err := json.Marshal(wireEvent{Event: event, Data: payload, SentAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, ChannelName(streamID), body).Err()
}

// SubscribeStream starts delivering the stream's events to handler. It returns
// once Redis has confirmed the subscription, so events published afterwards are
// not missed. cancel does not wait for the reader to exit.
func (r *RedisPubSub) SubscribeStream(streamID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error) {
	channel := ChannelName(streamID)
	ctx, cancelCtx := context.WithCancel(context.Background())
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		cancelCtx()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancelCtx()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: bridge closed", channel)
	}
	r.readers[ps] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.read(ctx, ps, handler)
	return cancelCtx, nil
}

func (r *RedisPubSub) read(ctx context.Context, ps *redis.PubSub, handler func(event string, payload []byte)) {
	defer r.wg.Done()
	defer func() {
		_ = ps.Close()
		r.mu.Lock()
		delete(r.readers, ps)
		r.mu.Unlock()
	}()
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.Event == "" {
				r.logger.Debug("malformed redis event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			handler(ev.Event, ev.Data)
		}
	}
}

// Close ends every subscription and waits for the readers to exit. Later
// subscribes fail.
func (r *RedisPubSub) Close() {
	r.mu.Lock()
	r.closed = true
	for ps := range r.readers {
		_ = ps.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
