// Package engagement keeps a viewer subscribed to a stream's realtime events
// (chat, viewer count, polls) independently of playback health.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/metrics"
	"github.com/streamcast/portal/internal/models"
)

var (
	ErrNotConnected   = errors.New("engagement: not connected")
	ErrEmptyMessage   = errors.New("engagement: empty chat message")
	ErrMessageTooLong = errors.New("engagement: chat message too long")
	ErrNoActivePoll   = errors.New("engagement: no active poll")
	ErrUnknownOption  = errors.New("engagement: unknown poll option")
	ErrAlreadyVoted   = errors.New("engagement: already voted on this poll")
	ErrNotSubscribed  = errors.New("engagement: not subscribed")
)

// Status is the EngagementConnection status.
type Status int

const (
	Closed Status = iota
	Connecting
	Open
	Reconnecting
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// Connection is a snapshot of the channel's connection state.
type Connection struct {
	Status         Status
	StreamID       string
	BackoffAttempt int
}

// Events are the channel callbacks. They run on the channel's reader goroutine
// in arrival order and must not block.
type Events struct {
	OnChatMessage func(models.ChatMessage)
	OnViewerCount func(int)
	OnPollOpened  func(models.Poll)
	OnPollClosed  func(pollID uuid.UUID, reason string)
	OnPollUpdated func(models.Poll)
	OnStatus      func(Connection)
}

// Config configures a Channel.
type Config struct {
	URL              string // ws://host/ws
	ViewerID         string
	ViewerName       string
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HistoryLimit     int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 200
	}
	if c.ViewerID == "" {
		c.ViewerID = uuid.NewString()
	}
}

// newReconnectBackoff doubles from initial up to max, without jitter, forever.
func newReconnectBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Channel is the realtime engagement client for one stream view.
type Channel struct {
	cfg     Config
	events  Events
	logger  *zap.Logger
	metrics *metrics.Player
	dialer  *websocket.Dialer
	polls   *PollTracker

	mu       sync.Mutex
	streamID string
	status   Status
	attempt  int
	cancel   context.CancelFunc
	done     chan struct{}
	history  []models.ChatMessage
	voted    map[uuid.UUID]bool

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewChannel creates a closed channel.
func NewChannel(cfg Config, events Events, m *metrics.Player, logger *zap.Logger) *Channel {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		cfg:     cfg,
		events:  events,
		logger:  logger,
		metrics: m,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		voted:   make(map[uuid.UUID]bool),
	}
	c.polls = NewPollTracker(events.OnPollOpened, events.OnPollClosed, events.OnPollUpdated)
	return c
}

// Subscribe connects to the stream's events. Reconnects resubscribe to the same
// stream. Subscribing to another stream first unsubscribes from the current one.
func (c *Channel) Subscribe(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("subscribe: %w", ErrNotSubscribed)
	}
	c.mu.Lock()
	same := c.cancel != nil && c.streamID == streamID
	c.mu.Unlock()
	if same {
		return nil
	}
	c.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.streamID = streamID
	c.cancel = cancel
	c.done = done
	c.history = nil
	c.voted = make(map[uuid.UUID]bool)
	c.mu.Unlock()
	c.setStatus(Connecting, 0)

	go c.run(ctx, streamID, done)
	return nil
}

// Unsubscribe closes the connection and stops reconnecting. Idempotent.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.closeConnection()
	<-done
	c.polls.Clear()
	c.setStatus(Closed, 0)
}

// Connection returns the connection snapshot.
func (c *Channel) Connection() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Connection{Status: c.status, StreamID: c.streamID, BackoffAttempt: c.attempt}
}

// History returns the chat lines received since Subscribe, oldest first.
func (c *Channel) History() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChatMessage(nil), c.history...)
}

// ActivePoll returns the poll currently open for voting.
func (c *Channel) ActivePoll() (models.Poll, bool) {
	return c.polls.Active()
}

// SendChatMessage sends a chat line. Delivery is fire-and-forget.
func (c *Channel) SendChatMessage(text string) error {
	body := strings.TrimSpace(text)
	if body == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > models.MaxChatBodyLength {
		return ErrMessageTooLong
	}
	return c.send(models.EventChatMessage, models.ChatSendRequest{Body: body})
}

// CastVote votes on the active poll. A viewer votes at most once per poll.
func (c *Channel) CastVote(optionID uuid.UUID) error {
	poll, ok := c.polls.Active()
	if !ok {
		return ErrNoActivePoll
	}
	if _, ok := poll.Option(optionID); !ok {
		return ErrUnknownOption
	}
	c.mu.Lock()
	if c.voted[poll.ID] {
		c.mu.Unlock()
		return ErrAlreadyVoted
	}
	c.mu.Unlock()

	if err := c.send(models.EventVote, models.VoteRequest{PollID: poll.ID, OptionID: optionID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.voted[poll.ID] = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) run(ctx context.Context, streamID string, done chan struct{}) {
	defer close(done)
	b := newReconnectBackoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	attempt := 0

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			b.Reset()
			attempt = 0
			err = c.serve(ctx, conn, streamID)
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := b.NextBackOff()
		c.setStatus(Reconnecting, attempt)
		c.metrics.IncReconnect()
		c.logger.Info("engagement channel reconnecting",
			zap.String("stream_id", streamID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// serve subscribes on a fresh connection and reads until it breaks.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, streamID string) error {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.closeConnection()

	// a connection opened after Unsubscribe cancelled the context is dropped here
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := c.send(models.EventSubscribe, models.SubscribeRequest{
		StreamID: streamID,
		ViewerID: c.cfg.ViewerID,
		Name:     c.cfg.ViewerName,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.setStatus(Open, 0)
	c.logger.Info("engagement channel open", zap.String("stream_id", streamID))

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(pingCtx, conn)
	}()
	defer func() {
		stopPing()
		wg.Wait()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("closed by server: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.handleMessage(message)
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Channel) handleMessage(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("malformed realtime message", zap.Error(err))
		return
	}

	switch env.Event {
	case models.EventSubscribed:
		c.logger.Debug("subscription acknowledged")

	case models.EventChatMessage:
		var msg models.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Debug("malformed chat message", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.history = append(c.history, msg)
		if n := len(c.history) - c.cfg.HistoryLimit; n > 0 {
			c.history = append(c.history[:0], c.history[n:]...)
		}
		c.mu.Unlock()
		if c.events.OnChatMessage != nil {
			c.events.OnChatMessage(msg)
		}

	case models.EventViewerCount:
		var vc models.ViewerCount
		if err := json.Unmarshal(env.Data, &vc); err != nil {
			return
		}
		if c.events.OnViewerCount != nil {
			c.events.OnViewerCount(vc.Count)
		}

	case models.EventNewPoll:
		var poll models.Poll
		if err := json.Unmarshal(env.Data, &poll); err != nil {
			c.logger.Debug("malformed poll", zap.Error(err))
			return
		}
		if !c.polls.Open(poll) {
			c.logger.Debug("expired poll ignored", zap.String("poll_id", poll.ID.String()))
		}

	case models.EventPollClosed:
		var pc models.PollClosed
		if err := json.Unmarshal(env.Data, &pc); err != nil {
			return
		}
		c.polls.Close(pc.PollID, CloseReasonServer)

	case models.EventPollResults:
		var poll models.Poll
		if err := json.Unmarshal(env.Data, &poll); err != nil {
			return
		}
		c.polls.Update(poll)

	case models.EventError:
		var e models.ErrorPayload
		_ = json.Unmarshal(env.Data, &e)
		c.logger.Warn("realtime server rejected a message", zap.String("message", e.Message))

	default:
		c.logger.Debug("unknown realtime event", zap.String("event", env.Event))
	}
}

func (c *Channel) send(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// closeConnection sends a close frame and drops the connection, unblocking the reader.
func (c *Channel) closeConnection() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = c.conn.Close()
	c.conn = nil
}

func (c *Channel) setStatus(s Status, attempt int) {
	c.mu.Lock()
	changed := c.status != s || c.attempt != attempt
	c.status = s
	c.attempt = attempt
	conn := Connection{Status: s, StreamID: c.streamID, BackoffAttempt: attempt}
	c.mu.Unlock()
	if changed && c.events.OnStatus != nil {
		c.events.OnStatus(conn)
	}
}
