// Package session owns one stream view: the playback session, its heartbeat
// and the engagement channel, and the intents the page sends down.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/controls"
	"github.com/streamcast/portal/internal/engagement"
	"github.com/streamcast/portal/internal/i18n"
	"github.com/streamcast/portal/internal/metrics"
	"github.com/streamcast/portal/internal/models"
	"github.com/streamcast/portal/internal/playback"
	"github.com/streamcast/portal/internal/presence"
	"github.com/streamcast/portal/internal/task"
)

var (
	ErrNotOpen       = errors.New("session: no stream open")
	ErrAlreadyOpen   = errors.New("session: a stream is already open")
	ErrNoPlayback    = errors.New("session: no playback session")
	ErrNoPlaybackURL = errors.New("session: stream has no playback url")
)

// StatusSource reports whether a stream is live.
type StatusSource interface {
	Status(ctx context.Context, streamID string) (*models.StreamStatus, error)
	Probe(streamID string) playback.Probe
}

// Engagement is the realtime channel as the controller drives it.
type Engagement interface {
	Subscribe(streamID string) error
	Unsubscribe()
	Connection() engagement.Connection
	ActivePoll() (models.Poll, bool)
	SendChatMessage(text string) error
	CastVote(optionID uuid.UUID) error
}

// Options tune a Controller.
type Options struct {
	Lang               string
	StatusPollInterval time.Duration
	HeartbeatGrace     time.Duration
	ControlsHideAfter  time.Duration
	Playback           playback.Config
}

// Deps are the collaborators shared by every playback session of a controller.
type Deps struct {
	Status    StatusSource
	Manifests playback.ManifestSource
	Fetcher   playback.Fetcher
	Renderer  playback.Renderer
	Heartbeat *presence.Heartbeat
	Channel   Engagement
	Metrics   *metrics.Player
	Logger    *zap.Logger

	// OnTransition and OnControls are optional observers for the page.
	OnTransition func(playback.Transition)
	OnControls   func(controls.View)
}

// State is what the page renders.
type State struct {
	StreamID   string
	Status     models.StreamStatus
	Playback   playback.Session
	HasSession bool
	Controls   controls.View
	Chat       engagement.Connection
	Poll       *models.Poll
	Heartbeat  *presence.Ticket
	Banner     string // localized playback indicator
	ChatBanner string // localized chat connectivity indicator
}

// Controller is the page/session controller for one stream view at a time.
type Controller struct {
	opts    Options
	deps    Deps
	logger  *zap.Logger
	guard   *presence.Guard
	surface *controls.Surface

	mu       sync.Mutex
	streamID string
	status   models.StreamStatus
	machine  *playback.Machine
	poller   *task.Periodic
}

// New creates a controller with no stream open.
func New(opts Options, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.StatusPollInterval <= 0 {
		opts.StatusPollInterval = 15 * time.Second
	}
	if opts.HeartbeatGrace <= 0 {
		opts.HeartbeatGrace = 15 * time.Second
	}
	opts.Lang = i18n.Normalize(opts.Lang)

	c := &Controller{opts: opts, deps: deps, logger: deps.Logger}
	c.guard = presence.NewGuard(deps.Heartbeat, opts.HeartbeatGrace)
	c.surface = controls.NewSurface(intents{c}, opts.ControlsHideAfter, deps.OnControls)
	deps.Heartbeat.OnResult(func(_ presence.Ticket, err error) {
		deps.Metrics.ObserveHeartbeat(err == nil)
	})
	return c
}

// Controls exposes the control surface for pointer and menu input.
func (c *Controller) Controls() *controls.Surface { return c.surface }

// Open enters a stream view. The engagement channel subscribes at once. Playback
// starts when the status endpoint reports the stream online; until then status is
// polled and playback starts on its own once the broadcast begins.
func (c *Controller) Open(ctx context.Context, streamID string) error {
	c.mu.Lock()
	if c.streamID != "" {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.streamID = streamID
	c.mu.Unlock()

	if err := c.deps.Channel.Subscribe(streamID); err != nil {
		c.reset()
		return fmt.Errorf("open %s: %w", streamID, err)
	}

	st, err := c.deps.Status.Status(ctx, streamID)
	if errors.Is(err, playback.ErrAssetGone) {
		c.deps.Channel.Unsubscribe()
		c.reset()
		return fmt.Errorf("open %s: %w", streamID, err)
	}
	if err != nil {
		c.logger.Warn("stream status unavailable", zap.String("stream_id", streamID), zap.Error(err))
	} else {
		c.applyStatus(st)
	}

	c.startPoller()
	if st != nil && st.Online {
		return c.startPlayback()
	}
	return nil
}

// GetState returns a copy of everything the page shows.
func (c *Controller) GetState() State {
	c.mu.Lock()
	s := State{StreamID: c.streamID, Status: c.status}
	m := c.machine
	c.mu.Unlock()

	if m != nil {
		s.Playback = m.Snapshot()
		s.HasSession = true
	}
	s.Controls = c.surface.View()
	s.Chat = c.deps.Channel.Connection()
	if p, ok := c.deps.Channel.ActivePoll(); ok {
		s.Poll = &p
	}
	if t, ok := c.deps.Heartbeat.Ticket(); ok {
		s.Heartbeat = &t
	}
	if m != nil {
		s.Banner = controls.Banner(c.opts.Lang, s.Playback.State)
	} else if s.StreamID != "" && !s.Status.Online {
		s.Banner = i18n.Message(c.opts.Lang, i18n.StreamOffline)
	}
	s.ChatBanner = controls.ChatIndicator(c.opts.Lang, s.Chat.Status)
	return s
}

// SetRendition accepts "auto", a rendition label such as "720p", or an index.
func (c *Controller) SetRendition(choice string) error {
	m, err := c.current()
	if err != nil {
		return err
	}
	choice = strings.TrimSpace(choice)
	if strings.EqualFold(choice, "auto") {
		return m.SetRendition(playback.Auto)
	}
	if i, err := strconv.Atoi(choice); err == nil {
		return m.SetRendition(i)
	}
	for _, r := range m.Snapshot().Renditions {
		if strings.EqualFold(r.Label, choice) {
			return m.SetRendition(r.Index)
		}
	}
	return fmt.Errorf("%q: %w", choice, playback.ErrUnknownRendition)
}

func (c *Controller) TogglePlay() error {
	m, err := c.current()
	if err != nil {
		return err
	}
	m.TogglePlay()
	return nil
}

func (c *Controller) ToggleMute() { c.surface.ToggleMute() }

func (c *Controller) RequestFullscreen() { c.surface.ToggleFullscreen() }

func (c *Controller) SendChatMessage(text string) error {
	return c.deps.Channel.SendChatMessage(text)
}

// CastVote votes for optionID on the active poll.
func (c *Controller) CastVote(optionID string) error {
	id, err := uuid.Parse(strings.TrimSpace(optionID))
	if err != nil {
		return fmt.Errorf("cast vote: %w", engagement.ErrUnknownOption)
	}
	return c.deps.Channel.CastVote(id)
}

// Retry asks a Stalled session to reload now.
func (c *Controller) Retry() error {
	m, err := c.current()
	if err != nil {
		return err
	}
	m.Retry()
	return nil
}

// Reload replaces the playback session with a new one. It is the only way out of Fatal.
func (c *Controller) Reload() error {
	c.mu.Lock()
	open := c.streamID != ""
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	c.stopPlayback()
	c.startPoller()
	return c.startPlayback()
}

// ClosePlayback tears the video down and disarms the heartbeat. The engagement
// channel stays open.
func (c *Controller) ClosePlayback() {
	c.stopPoller()
	c.stopPlayback()
}

// Close leaves the stream view.
func (c *Controller) Close() {
	c.ClosePlayback()
	c.guard.Stop()
	c.deps.Channel.Unsubscribe()
	c.surface.Stop()
	c.reset()
}

func (c *Controller) current() (*playback.Machine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID == "" {
		return nil, ErrNotOpen
	}
	if c.machine == nil {
		return nil, ErrNoPlayback
	}
	return c.machine, nil
}

func (c *Controller) reset() {
	c.mu.Lock()
	c.streamID = ""
	c.status = models.StreamStatus{}
	c.mu.Unlock()
}

func (c *Controller) applyStatus(st *models.StreamStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = *st
}

// startPlayback creates a new PlaybackSession. The previous one, if any, is
// torn down first so only one renderer attachment exists.
func (c *Controller) startPlayback() error {
	c.stopPlayback()

	c.mu.Lock()
	streamID, url := c.streamID, c.status.PlaybackURL
	c.mu.Unlock()
	if streamID == "" {
		return ErrNotOpen
	}
	if url == "" {
		return ErrNoPlaybackURL
	}

	id := uuid.NewString()
	m := playback.NewMachine(id, streamID, url, c.opts.Playback, playback.Deps{
		Manifests: c.deps.Manifests,
		Fetcher:   c.deps.Fetcher,
		Renderer:  c.deps.Renderer,
		Probe:     c.deps.Status.Probe(streamID),
		Metrics:   c.deps.Metrics,
		Logger:    c.logger,
	})
	m.OnTransition(func(tr playback.Transition) { c.onTransition(m, tr) })

	c.mu.Lock()
	if c.machine != nil || c.streamID != streamID {
		c.mu.Unlock()
		m.Close()
		return nil
	}
	c.machine = m
	c.mu.Unlock()

	c.logger.Info("playback session created", zap.String("session_id", id), zap.String("stream_id", streamID))
	m.Start()
	return nil
}

// stopPlayback must not run with c.mu held: Close waits for the machine
// goroutine, which calls back into onTransition.
func (c *Controller) stopPlayback() {
	c.mu.Lock()
	m := c.machine
	c.machine = nil
	c.mu.Unlock()
	if m == nil {
		return
	}
	m.Close()
	c.guard.Stop()
	c.surface.ObservePlayback(playback.Idle)
}

// onTransition runs on the machine goroutine.
func (c *Controller) onTransition(m *playback.Machine, tr playback.Transition) {
	c.mu.Lock()
	current := c.machine == m
	c.mu.Unlock()
	if !current {
		return
	}
	snap := m.Snapshot()
	c.guard.Observe(tr.To, snap.Live, snap.ID, snap.AssetID)
	c.surface.ObservePlayback(tr.To)
	if c.deps.OnTransition != nil {
		c.deps.OnTransition(tr)
	}
}

func (c *Controller) startPoller() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poller != nil {
		return
	}
	streamID := c.streamID
	c.poller = task.NewPeriodic("stream-status", c.opts.StatusPollInterval, func(ctx context.Context) {
		c.pollStatus(ctx, streamID)
	}, c.logger)
	c.poller.Start()
}

func (c *Controller) stopPoller() {
	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// pollStatus refreshes the cached status and starts playback once a stream
// without a playback session comes online.
func (c *Controller) pollStatus(ctx context.Context, streamID string) {
	st, err := c.deps.Status.Status(ctx, streamID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("status poll failed", zap.String("stream_id", streamID), zap.Error(err))
		}
		return
	}
	c.mu.Lock()
	if c.streamID != streamID {
		c.mu.Unlock()
		return
	}
	c.status = *st
	idle := c.machine == nil
	c.mu.Unlock()

	if idle && st.Online {
		c.logger.Info("stream came online", zap.String("stream_id", streamID))
		if err := c.startPlayback(); err != nil {
			c.logger.Warn("start playback failed", zap.String("stream_id", streamID), zap.Error(err))
		}
	}
}

// intents adapts the controller to controls.Player.
type intents struct{ c *Controller }

func (i intents) TogglePlay() error { return i.c.TogglePlay() }

func (i intents) SetRendition(index int) error {
	m, err := i.c.current()
	if err != nil {
		return err
	}
	return m.SetRendition(index)
}
