// Package presence sends viewer heartbeats while a live stream is being watched.
// The server owns expiry: a viewer counts while seen within its TTL.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/task"
)

// Ticket is the state of an armed heartbeat.
type Ticket struct {
	SessionID           string
	StreamID            string
	LastSentAt          time.Time
	ConsecutiveFailures int
	Sent                int
}

// Sender delivers one presence signal.
type Sender interface {
	Send(ctx context.Context, sessionID, streamID string) error
}

// Heartbeat ticks a Sender at a fixed interval between Arm and Disarm. A failed
// send is counted on the ticket and ticking continues.
type Heartbeat struct {
	sender   Sender
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	ticket   *Ticket
	task     *task.Periodic
	onResult func(Ticket, error)
}

// NewHeartbeat creates a disarmed heartbeat.
func NewHeartbeat(sender Sender, interval time.Duration, logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Heartbeat{sender: sender, interval: interval, logger: logger}
}

// OnResult registers a callback invoked after every send.
func (h *Heartbeat) OnResult(fn func(Ticket, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResult = fn
}

// Arm starts ticking for sessionID. Re-arming the same session is a no-op; arming
// a different session replaces the previous ticket.
func (h *Heartbeat) Arm(sessionID, streamID string) {
	h.mu.Lock()
	if h.ticket != nil && h.ticket.SessionID == sessionID {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.Disarm()

	ticket := &Ticket{SessionID: sessionID, StreamID: streamID}
	p := task.NewPeriodic("heartbeat", h.interval, func(ctx context.Context) { h.tick(ctx, ticket) }, h.logger, task.Immediate())

	h.mu.Lock()
	h.ticket = ticket
	h.task = p
	h.mu.Unlock()
	p.Start()
	h.logger.Info("heartbeat armed", zap.String("session_id", sessionID), zap.String("stream_id", streamID))
}

// Disarm stops ticking and drops the ticket. Safe to call from any state.
func (h *Heartbeat) Disarm() {
	h.mu.Lock()
	p, ticket := h.task, h.ticket
	h.task, h.ticket = nil, nil
	h.mu.Unlock()
	if p == nil {
		return
	}
	p.Stop()
	h.logger.Info("heartbeat disarmed", zap.String("session_id", ticket.SessionID))
}

// Armed reports whether a ticket exists.
func (h *Heartbeat) Armed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticket != nil
}

// Ticket returns a copy of the current ticket.
func (h *Heartbeat) Ticket() (Ticket, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ticket == nil {
		return Ticket{}, false
	}
	return *h.ticket, true
}

func (h *Heartbeat) tick(ctx context.Context, ticket *Ticket) {
	sendCtx, cancel := context.WithTimeout(ctx, h.interval)
	err := h.sender.Send(sendCtx, ticket.SessionID, ticket.StreamID)
	cancel()
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	if err != nil {
		ticket.ConsecutiveFailures++
	} else {
		ticket.ConsecutiveFailures = 0
		ticket.LastSentAt = time.Now()
		ticket.Sent++
	}
	snapshot := *ticket
	onResult := h.onResult
	h.mu.Unlock()

	if err != nil {
		h.logger.Debug("heartbeat send failed",
			zap.String("session_id", snapshot.SessionID),
			zap.Int("consecutive_failures", snapshot.ConsecutiveFailures),
			zap.Error(err))
	}
	if onResult != nil {
		onResult(snapshot, err)
	}
}
