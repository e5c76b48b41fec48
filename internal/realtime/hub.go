package realtime

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/metrics"
	"github.com/streamcast/portal/internal/models"
)

// AudienceChangeHandler is called when the number of subscribers of a stream changes.
type AudienceChangeHandler func(streamID uuid.UUID, count int)

// Hub maintains stream_id -> set of subscribed connections.
// With Redis configured, events are published once and every instance (this one
// included) delivers them to its local subscribers from the Redis subscription.
type Hub struct {
	// streamID -> map[clientID]*Client
	streams    map[uuid.UUID]map[string]*Client
	subs       map[uuid.UUID]func() // cancel Redis subscription per stream
	mu         sync.RWMutex
	logger     *zap.Logger
	metrics    *metrics.Server
	redis      RedisPublisher
	redisSub   RedisSubscriber
	onAudience AudienceChangeHandler
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishStreamEvent(streamID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to stream channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeStream(streamID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Both Redis sides may be nil for a single instance.
func NewHub(logger *zap.Logger, m *metrics.Server, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		streams:  make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		metrics:  m,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetAudienceChangeHandler sets the callback for subscriber count changes.
func (h *Hub) SetAudienceChangeHandler(fn AudienceChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAudience = fn
}

// Subscribe moves a client into a stream room, leaving its previous room.
// Starts the Redis subscription for the stream if it is the first local subscriber.
func (h *Hub) Subscribe(c *Client, streamID uuid.UUID) {
	h.Unregister(c)

	h.mu.Lock()
	if h.streams[streamID] == nil {
		h.streams[streamID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeStream(streamID, func(event string, payload []byte) {
				h.BroadcastToStream(streamID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("stream_id", streamID.String()), zap.Error(err))
			} else {
				h.subs[streamID] = cancel
			}
		}
	}
	c.setStream(streamID)
	h.streams[streamID][c.ID] = c
	count := len(h.streams[streamID])
	onAudience := h.onAudience
	h.mu.Unlock()
	if onAudience != nil {
		onAudience(streamID, count)
	}
	h.logger.Debug("client joined stream", zap.String("client_id", c.ID), zap.String("stream_id", streamID.String()))
}

// Unregister removes a client from its stream room. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	streamID, ok := c.Stream()
	if !ok {
		return
	}
	h.mu.Lock()
	var count int
	if m, ok := h.streams[streamID]; ok {
		delete(m, c.ID)
		count = len(m)
		if count == 0 {
			delete(h.streams, streamID)
			if cancel, ok := h.subs[streamID]; ok {
				cancel()
				delete(h.subs, streamID)
			}
		}
	}
	c.clearStream()
	onAudience := h.onAudience
	h.mu.Unlock()
	if onAudience != nil {
		onAudience(streamID, count)
	}
	h.logger.Debug("client left stream", zap.String("client_id", c.ID), zap.String("stream_id", streamID.String()))
}

// BroadcastToStream sends a message to all clients of a stream on this instance.
// A slow client whose buffer is full misses the message.
func (h *Hub) BroadcastToStream(streamID uuid.UUID, event string, payload interface{}) {
	msg, err := envelope(event, payload)
	if err != nil {
		h.logger.Warn("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.streams[streamID] {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("client buffer full, message dropped", zap.String("client_id", c.ID), zap.String("event", event))
		}
	}
}

// Publish delivers an event to every subscriber of the stream across instances:
// through Redis when configured, locally otherwise.
func (h *Hub) Publish(streamID uuid.UUID, event string, payload interface{}) {
	if h.redis == nil {
		h.BroadcastToStream(streamID, event, payload)
		return
	}
	data, err := marshalPayload(payload)
	if err != nil {
		h.logger.Warn("encode publish", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.redis.PublishStreamEvent(streamID, event, data); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.String("event", event), zap.Error(err))
		h.BroadcastToStream(streamID, event, json.RawMessage(data))
	}
}

// AudienceCount returns the number of connected clients of a stream on this instance.
func (h *Hub) AudienceCount(streamID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[streamID])
}

// Streams returns the streams with at least one local subscriber.
func (h *Hub) Streams() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(h.streams))
	for id := range h.streams {
		out = append(out, id)
	}
	return out
}

// LocalRooms is a view of the hub limited to this instance: the streams it has
// subscribers for, and delivery to those subscribers only.
type LocalRooms struct {
	hub *Hub
}

// Local returns the instance-local view of the hub.
func (h *Hub) Local() LocalRooms {
	return LocalRooms{hub: h}
}

// ListLiveIDs returns the streams with local subscribers.
func (l LocalRooms) ListLiveIDs(context.Context) ([]uuid.UUID, error) {
	return l.hub.Streams(), nil
}

// Publish delivers to local subscribers without going through Redis.
func (l LocalRooms) Publish(streamID uuid.UUID, event string, payload interface{}) {
	l.hub.BroadcastToStream(streamID, event, payload)
}

// SendToClient sends a message to a single client.
func (h *Hub) SendToClient(c *Client, event string, payload interface{}) {
	msg, err := envelope(event, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func marshalPayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

func envelope(event string, payload interface{}) (models.Envelope, error) {
	if payload == nil {
		return models.Envelope{Event: event}, nil
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return models.Envelope{}, err
	}
	return models.Envelope{Event: event, Data: data}, nil
}
