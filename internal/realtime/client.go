package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/streamcast/portal/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxMessage   = 64 << 10
	maxNameLen   = 40
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by the CORS middleware in front of the API
	},
}

// VoteHandler records a viewer's vote and reports the stream's open poll.
type VoteHandler interface {
	Vote(ctx context.Context, streamID, pollID, optionID uuid.UUID, viewerID string) error
	Active(ctx context.Context, streamID uuid.UUID) (*models.Poll, error)
}

// ClientConfig bounds per-connection chat throughput.
type ClientConfig struct {
	ChatRate  rate.Limit
	ChatBurst int
}

// Client represents a single WebSocket connection. It joins a stream room on
// its first subscribe message.
type Client struct {
	ID      string
	hub     *Hub
	votes   VoteHandler
	conn    *websocket.Conn
	send    chan models.Envelope
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	streamID uuid.UUID
	joined   bool
	viewerID string
	name     string
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, votes VoteHandler, cfg ClientConfig, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChatRate <= 0 {
		cfg.ChatRate = 1
	}
	if cfg.ChatBurst <= 0 {
		cfg.ChatBurst = 5
	}
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:      uuid.New().String(),
			hub:     hub,
			votes:   votes,
			conn:    conn,
			send:    make(chan models.Envelope, 256),
			limiter: rate.NewLimiter(cfg.ChatRate, cfg.ChatBurst),
			logger:  logger,
		}
		hub.metrics.AddConnections(1)
		go client.writePump()
		client.readPump()
	}
}

// Stream returns the stream the client is subscribed to.
func (c *Client) Stream() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID, c.joined
}

func (c *Client) setStream(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID, c.joined = id, true
}

func (c *Client) clearStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID, c.joined = uuid.Nil, false
}

func (c *Client) identity() (viewerID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewerID, c.name
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.hub.metrics.AddConnections(-1)
		close(c.send)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))

		var msg models.Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reject("malformed message")
			continue
		}

		switch msg.Event {
		case models.EventSubscribe:
			c.handleSubscribe(msg.Data)
		case models.EventChatMessage:
			c.handleChat(msg.Data)
		case models.EventVote:
			c.handleVote(msg.Data)
		default:
			// ignore
		}
	}
}

func (c *Client) handleSubscribe(data json.RawMessage) {
	var req models.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reject("invalid subscribe")
		return
	}
	streamID, err := uuid.Parse(req.StreamID)
	if err != nil {
		c.reject("invalid stream id")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "viewer"
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		name = string([]rune(name)[:maxNameLen])
	}
	viewerID := req.ViewerID
	if viewerID == "" {
		viewerID = c.ID
	}
	c.mu.Lock()
	c.viewerID, c.name = viewerID, name
	c.mu.Unlock()

	c.hub.Subscribe(c, streamID)
	c.hub.SendToClient(c, models.EventSubscribed, models.SubscribeRequest{StreamID: streamID.String(), ViewerID: viewerID, Name: name})

	if c.votes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	poll, err := c.votes.Active(ctx, streamID)
	if err != nil {
		c.logger.Debug("active poll lookup failed", zap.String("stream_id", streamID.String()), zap.Error(err))
		return
	}
	if poll != nil {
		c.hub.SendToClient(c, models.EventNewPoll, poll)
	}
}

func (c *Client) handleChat(data json.RawMessage) {
	streamID, ok := c.Stream()
	if !ok {
		c.reject("subscribe first")
		return
	}
	var req models.ChatSendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reject("invalid chat message")
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" || utf8.RuneCountInString(body) > models.MaxChatBodyLength {
		c.reject("chat message must be 1-500 characters")
		return
	}
	if !c.limiter.Allow() {
		c.hub.metrics.IncChatDropped()
		c.reject("slow down")
		return
	}

	viewerID, name := c.identity()
	c.hub.Publish(streamID, models.EventChatMessage, models.ChatMessage{
		ID:         uuid.New().String(),
		StreamID:   streamID.String(),
		AuthorID:   viewerID,
		AuthorName: name,
		Body:       body,
		SentAt:     time.Now().UTC(),
	})
	c.hub.metrics.IncChat()
}

func (c *Client) handleVote(data json.RawMessage) {
	streamID, ok := c.Stream()
	if !ok {
		c.reject("subscribe first")
		return
	}
	if c.votes == nil {
		c.reject("voting unavailable")
		return
	}
	var req models.VoteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reject("invalid vote")
		return
	}
	viewerID, _ := c.identity()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.votes.Vote(ctx, streamID, req.PollID, req.OptionID, viewerID); err != nil {
		c.reject(err.Error())
	}
}

func (c *Client) reject(message string) {
	c.hub.SendToClient(c, models.EventError, models.ErrorPayload{Message: message})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
