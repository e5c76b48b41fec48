package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/metrics"
)

// Config tunes fault recovery.
type Config struct {
	MaxNetworkRetries  int           // consecutive network faults before Stalled
	RetryBase          time.Duration // first network retry delay
	RetryMax           time.Duration // retry delay cap
	RecoveryTimeout    time.Duration // bound on a single recovery action
	StallRetryInterval time.Duration // Stalled -> Loading cadence
	ManifestRefresh    time.Duration // live manifest refresh cadence, 0 disables
	ABR                ABRConfig
}

// DefaultConfig retries 1s/2s/4s capped at 8s and gives up after 3 consecutive failures.
func DefaultConfig() Config {
	return Config{
		MaxNetworkRetries:  3,
		RetryBase:          time.Second,
		RetryMax:           8 * time.Second,
		RecoveryTimeout:    20 * time.Second,
		StallRetryInterval: 10 * time.Second,
		ManifestRefresh:    30 * time.Second,
		ABR:                DefaultABRConfig(),
	}
}

// Probe checks the asset before a load. It returns ErrAssetGone or ErrStreamOffline
// when playback must not start.
type Probe func(ctx context.Context) error

// Deps are the collaborators a Machine drives.
type Deps struct {
	Manifests ManifestSource
	Fetcher   Fetcher
	Renderer  Renderer
	Probe     Probe
	Metrics   *metrics.Player
	Logger    *zap.Logger
}

// Session is a point-in-time copy of a PlaybackSession.
type Session struct {
	ID              string
	AssetID         string
	Live            bool
	State           State
	RenditionIndex  int // Auto or the pinned index
	ActiveRendition int
	Renditions      []Rendition
	BufferHealth    time.Duration
	FaultCount      int
}

type timerKind int

const (
	timerRetry timerKind = iota
	timerAction
	timerStall
	timerRefresh
	timerCount
)

// episode tracks one Playing -> Recovering -> {Playing, Stalled, Fatal} run.
type episode struct {
	network        int
	mediaAttempted bool
	inFlight       bool
}

// Machine is the playback fault recovery state machine. All state is owned by a
// single goroutine fed through a mailbox; timers and I/O post events tagged with
// an epoch or generation so stale ones are dropped.
type Machine struct {
	id          string
	assetID     string
	manifestURL string
	cfg         Config
	deps        Deps
	logger      *zap.Logger

	box       *mailbox
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	snap      Session
	listeners []func(Transition)

	// actor-owned
	state      State
	manifest   *Manifest
	abr        *ABR
	epoch      uint64
	loadGen    uint64
	refreshGen uint64
	nextSeq    uint64
	active     int
	ep         episode
	pending    []Fault
	backoff    *backoff.ExponentialBackOff
	timers     [timerCount]*time.Timer
	timerGen   [timerCount]uint64
	faults     int
}

// NewMachine creates an Idle machine for one PlaybackSession and starts its goroutine.
func NewMachine(id, assetID, manifestURL string, cfg Config, deps Deps) *Machine {
	def := DefaultConfig()
	if cfg.MaxNetworkRetries <= 0 {
		cfg.MaxNetworkRetries = def.MaxNetworkRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.StallRetryInterval <= 0 {
		cfg.StallRetryInterval = def.StallRetryInterval
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBase
	b.MaxInterval = cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		id:          id,
		assetID:     assetID,
		manifestURL: manifestURL,
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger.With(zap.String("session_id", id), zap.String("stream_id", assetID)),
		box:         newMailbox(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		abr:         NewABR(cfg.ABR),
		backoff:     b,
		state:       Idle,
	}
	m.snap = Session{ID: id, AssetID: assetID, State: Idle, RenditionIndex: Auto}
	go m.run()
	return m
}

// OnTransition registers a listener called on the machine goroutine for every
// state change. Listeners must not call Close.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Snapshot returns a copy of the session.
func (m *Machine) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snap
	s.Renditions = append([]Rendition(nil), m.snap.Renditions...)
	return s
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

// Start moves Idle -> Loading.
func (m *Machine) Start() { m.box.put(cmdStart{}) }

// TogglePlay flips Playing and Paused. Ignored in other states.
func (m *Machine) TogglePlay() { m.box.put(cmdToggle{}) }

// Retry forces Stalled -> Loading without waiting for the scheduled retry.
func (m *Machine) Retry() { m.box.put(cmdRetry{}) }

// SetRendition pins a rendition index, or Auto. Allowed in any state, including mid-stall.
func (m *Machine) SetRendition(index int) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if n := len(m.Snapshot().Renditions); index != Auto && n > 0 && index >= n {
		return ErrUnknownRendition
	}
	if err := m.abr.SetMode(index); err != nil {
		return err
	}
	m.box.put(cmdReselect{})
	return nil
}

// ReportRendererError reports an asynchronous decoder failure from outside the
// fetch loop. While a recovery action is in flight it is queued.
func (m *Machine) ReportRendererError(err error) {
	m.box.put(evRendererError{err: err, external: true})
}

// Close tears the session down: the fetch loop stops, timers are cancelled, the
// renderer is detached and the state becomes Idle unless already Fatal. Idempotent.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { m.box.put(cmdClose{}) })
	<-m.done
}

// Done is closed once the machine has been torn down.
func (m *Machine) Done() <-chan struct{} { return m.done }

type (
	cmdStart    struct{}
	cmdToggle   struct{}
	cmdRetry    struct{}
	cmdReselect struct{}
	cmdClose    struct{}

	evManifest struct {
		gen     uint64
		refresh bool
		probed  bool // err came from the probe, not the manifest
		m       *Manifest
		err     error
	}
	evSegment struct {
		epoch  uint64
		sample SegmentSample
	}
	evBufferLow struct {
		epoch    uint64
		buffered time.Duration
	}
	evFetchError struct {
		epoch uint64
		err   *FetchError
	}
	evRendererError struct {
		epoch    uint64
		err      error
		external bool
	}
	evTimer struct {
		kind timerKind
		gen  uint64
	}
)

func (m *Machine) run() {
	defer close(m.done)
	for range m.box.signal {
		for _, ev := range m.box.drain() {
			if m.handle(ev) {
				return
			}
		}
	}
}

func (m *Machine) handle(ev any) (closed bool) {
	switch e := ev.(type) {
	case cmdStart:
		if m.state == Idle {
			m.load("start")
		}
	case cmdToggle:
		switch m.state {
		case Playing:
			m.pause()
		case Paused:
			m.resume()
		}
	case cmdRetry:
		if m.state == Stalled {
			m.load("retry requested")
		}
	case cmdReselect:
		m.publish()
		if m.state == Playing {
			m.reselect(m.telemetry(false), true)
		}
	case cmdClose:
		m.teardown()
		return true
	case evManifest:
		m.onManifest(e)
	case evSegment:
		m.onSegment(e)
	case evBufferLow:
		if e.epoch == m.epoch && m.state == Playing {
			m.logger.Debug("buffer low", zap.Duration("buffered", e.buffered))
			m.reselect(m.telemetry(true), true)
		}
	case evFetchError:
		if e.epoch != m.epoch || e.err.Kind == FetchAborted {
			return false
		}
		m.onFault(Fault{Kind: Classify(e.err), Err: e.err, At: time.Now()}, false)
	case evRendererError:
		if !e.external && e.epoch != m.epoch {
			return false
		}
		kind := MediaFault
		if errors.Is(e.err, ErrRendererUnrecoverable) {
			kind = FatalFault
		}
		m.onFault(Fault{Kind: kind, Err: e.err, At: time.Now()}, e.external)
	case evTimer:
		if e.gen != m.timerGen[e.kind] {
			return false
		}
		m.timers[e.kind] = nil
		m.onTimer(e.kind)
	}
	return false
}

func (m *Machine) load(reason string) {
	m.stopFetch()
	m.disarmAll()
	m.pending = nil
	m.ep = episode{}
	m.transition(Loading, reason, nil)

	m.loadGen++
	gen := m.loadGen
	go func() {
		if m.deps.Probe != nil {
			if err := m.deps.Probe(m.ctx); err != nil {
				m.box.put(evManifest{gen: gen, probed: true, err: err})
				return
			}
		}
		man, err := m.deps.Manifests.Load(m.ctx, m.manifestURL)
		m.box.put(evManifest{gen: gen, m: man, err: err})
	}()
}

func (m *Machine) onManifest(e evManifest) {
	if e.refresh {
		m.onRefresh(e)
		return
	}
	if e.gen != m.loadGen || m.state != Loading {
		return
	}
	if e.err != nil {
		if errors.Is(e.err, context.Canceled) {
			return
		}
		var fe *FetchError
		malformed := !e.probed && errors.As(e.err, &fe) && fe.Kind == FetchParse
		if Classify(e.err) == FatalFault || malformed {
			m.fail("manifest unusable", e.err)
			return
		}
		m.stall("manifest unavailable", e.err)
		return
	}

	m.installManifest(e.m)
	r := m.deps.Renderer
	pos := r.Position()
	r.Detach()
	if err := r.Attach(pos); err != nil {
		m.fail("renderer attach failed", err)
		return
	}
	r.Play()
	m.abr.Reset()
	m.active = m.abr.SelectRendition(m.telemetry(false))
	if m.manifest.Live {
		m.nextSeq = 0
	}
	m.transition(Playing, "manifest ready", nil)
	m.startFetch()
	if m.manifest.Live && m.cfg.ManifestRefresh > 0 {
		m.arm(timerRefresh, m.cfg.ManifestRefresh)
	}
}

func (m *Machine) onRefresh(e evManifest) {
	if e.gen != m.refreshGen || m.state == Idle || m.state == Fatal {
		return
	}
	if e.err != nil {
		m.logger.Debug("manifest refresh failed", zap.Error(e.err))
		return
	}
	m.installManifest(e.m)
	if m.state == Playing && m.active >= len(m.manifest.Renditions) {
		m.reselect(m.telemetry(false), true)
	}
}

func (m *Machine) installManifest(man *Manifest) {
	m.manifest = man
	m.abr.SetLadder(man.Renditions)
	m.publish()
}

func (m *Machine) onSegment(e evSegment) {
	if e.epoch != m.epoch {
		return
	}
	m.nextSeq = e.sample.Seq + 1
	m.abr.Observe(e.sample)
	if r, ok := m.manifest.Rendition(e.sample.Rendition); ok {
		m.deps.Metrics.ObserveSegment(r.Label, e.sample.Bytes)
	}
	m.deps.Metrics.SetBandwidth(m.abr.EstimateBandwidth(m.deps.Renderer.DecodeSpeed()))
	m.deps.Metrics.SetBuffer(m.deps.Renderer.Buffered().Seconds())

	switch m.state {
	case Recovering:
		if m.ep.inFlight {
			m.resolve()
		}
	case Playing:
		m.reselect(m.telemetry(false), false)
	}
	m.publish()
}

// onFault routes a classified fault. Faults reported from outside the fetch loop
// while a recovery action is in flight wait until it resolves.
func (m *Machine) onFault(f Fault, external bool) {
	if m.state == Fatal || m.state == Idle {
		return
	}
	if f.Kind != FatalFault && m.state == Recovering && external {
		m.pending = append(m.pending, f)
		m.logger.Debug("fault queued behind recovery", zap.String("kind", f.Kind.String()))
		return
	}
	m.faults++
	m.deps.Metrics.IncFault(f.Kind.String())
	if f.Kind == FatalFault {
		m.fail("fatal fault", f.Err)
		return
	}
	switch m.state {
	case Playing:
		m.ep = episode{}
		m.backoff.Reset()
		m.transition(Recovering, f.Kind.String()+" fault", f.Err)
		m.recover(f)
	case Recovering:
		m.recover(f)
	default:
		m.logger.Debug("fault ignored", zap.String("state", m.state.String()), zap.Error(f.Err))
	}
	m.publish()
}

func (m *Machine) recover(f Fault) {
	m.disarm(timerAction)
	switch f.Kind {
	case NetworkFault:
		m.ep.network++
		if m.ep.network >= m.cfg.MaxNetworkRetries {
			m.stall("network retries exhausted", f.Err)
			return
		}
		m.stopFetch()
		d := m.backoff.NextBackOff()
		m.ep.inFlight = true
		m.logger.Info("network retry scheduled", zap.Int("attempt", m.ep.network), zap.Duration("delay", d), zap.Error(f.Err))
		m.arm(timerRetry, d)
		m.arm(timerAction, d+m.cfg.RecoveryTimeout)
	default:
		if m.ep.mediaAttempted {
			m.fail("media recovery failed", f.Err)
			return
		}
		m.ep.mediaAttempted = true
		m.ep.network = 0
		m.stopFetch()
		r := m.deps.Renderer
		pos := r.Position()
		r.Detach()
		if err := r.Attach(pos); err != nil {
			m.fail("renderer re-attach failed", err)
			return
		}
		r.Play()
		m.ep.inFlight = true
		m.logger.Info("renderer re-attached", zap.Duration("position", pos), zap.Error(f.Err))
		m.arm(timerAction, m.cfg.RecoveryTimeout)
		m.startFetch()
	}
}

func (m *Machine) resolve() {
	m.disarm(timerAction)
	m.disarm(timerRetry)
	m.ep = episode{}
	m.backoff.Reset()
	m.transition(Playing, "recovered", nil)

	queued := m.pending
	m.pending = nil
	for i, f := range queued {
		if m.state != Playing {
			if m.state == Recovering {
				m.pending = append(m.pending, queued[i:]...)
			}
			return
		}
		m.onFault(f, false)
	}
}

func (m *Machine) onTimer(kind timerKind) {
	switch kind {
	case timerRetry:
		if m.state == Recovering {
			m.startFetch()
		}
	case timerAction:
		if m.state == Recovering {
			m.stall("recovery timed out", nil)
		}
	case timerStall:
		if m.state == Stalled {
			m.load("scheduled retry")
		}
	case timerRefresh:
		if m.state == Idle || m.state == Fatal || m.manifest == nil || !m.manifest.Live {
			return
		}
		m.refreshGen++
		gen := m.refreshGen
		go func() {
			man, err := m.deps.Manifests.Load(m.ctx, m.manifestURL)
			m.box.put(evManifest{gen: gen, refresh: true, m: man, err: err})
		}()
		m.arm(timerRefresh, m.cfg.ManifestRefresh)
	}
}

func (m *Machine) pause() {
	m.stopFetch()
	m.deps.Renderer.Pause()
	m.transition(Paused, "user pause", nil)
}

func (m *Machine) resume() {
	m.deps.Renderer.Play()
	m.transition(Playing, "user resume", nil)
	m.startFetch()
}

func (m *Machine) stall(reason string, err error) {
	m.stopFetch()
	m.disarm(timerRetry)
	m.disarm(timerAction)
	m.pending = nil
	m.ep = episode{}
	m.deps.Renderer.Pause()
	m.transition(Stalled, reason, err)
	m.arm(timerStall, m.cfg.StallRetryInterval)
}

func (m *Machine) fail(reason string, err error) {
	m.stopFetch()
	m.disarmAll()
	m.pending = nil
	m.deps.Renderer.Detach()
	m.transition(Fatal, reason, err)
}

func (m *Machine) teardown() {
	m.cancel()
	m.stopFetch()
	m.disarmAll()
	m.pending = nil
	m.deps.Renderer.Detach()
	if m.state != Fatal && m.state != Idle {
		m.transition(Idle, "closed", nil)
	}
}

func (m *Machine) startFetch() {
	r, ok := m.manifest.Rendition(m.active)
	if !ok {
		return
	}
	m.epoch++
	m.deps.Fetcher.Start(FetchRequest{Rendition: r, From: m.nextSeq, Epoch: m.epoch, Sink: machineSink{m}})
}

func (m *Machine) stopFetch() {
	m.deps.Fetcher.Stop()
	m.epoch++
}

func (m *Machine) reselect(t Telemetry, abort bool) {
	idx := m.abr.SelectRendition(t)
	if idx < 0 || idx == m.active {
		return
	}
	r, ok := m.manifest.Rendition(idx)
	if !ok {
		return
	}
	m.logger.Info("rendition switch", zap.Int("from", m.active), zap.String("to", r.Label), zap.Bool("buffer_low", t.BufferLow))
	m.active = idx
	m.deps.Fetcher.Switch(r, abort)
	m.publish()
}

func (m *Machine) telemetry(bufferLow bool) Telemetry {
	return Telemetry{Now: time.Now(), BufferLow: bufferLow, DecodeSpeed: m.deps.Renderer.DecodeSpeed()}
}

func (m *Machine) transition(to State, reason string, err error) {
	from := m.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		m.logger.Warn("illegal transition ignored", zap.String("from", from.String()), zap.String("to", to.String()))
		return
	}
	m.state = to
	fields := []zap.Field{zap.String("from", from.String()), zap.String("to", to.String()), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	m.logger.Info("playback state", fields...)
	m.deps.Metrics.ObserveTransition(from.String(), to.String())

	m.mu.RLock()
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.RUnlock()
	tr := Transition{From: from, To: to, Reason: reason, Err: err, At: time.Now()}
	for _, fn := range listeners {
		fn(tr)
	}
	// the snapshot moves only after every listener has returned
	m.publish()
}

func (m *Machine) publish() {
	s := Session{
		ID:              m.id,
		AssetID:         m.assetID,
		State:           m.state,
		RenditionIndex:  m.abr.Mode(),
		ActiveRendition: m.active,
		BufferHealth:    m.deps.Renderer.Buffered(),
		FaultCount:      m.faults,
	}
	if m.manifest != nil {
		s.Live = m.manifest.Live
		s.Renditions = m.manifest.Renditions
	}
	m.mu.Lock()
	m.snap = s
	m.mu.Unlock()
}

func (m *Machine) arm(kind timerKind, d time.Duration) {
	m.disarm(kind)
	m.timerGen[kind]++
	gen := m.timerGen[kind]
	m.timers[kind] = time.AfterFunc(d, func() { m.box.put(evTimer{kind: kind, gen: gen}) })
}

func (m *Machine) disarm(kind timerKind) {
	if t := m.timers[kind]; t != nil {
		t.Stop()
		m.timers[kind] = nil
	}
	m.timerGen[kind]++
}

func (m *Machine) disarmAll() {
	for k := timerKind(0); k < timerCount; k++ {
		m.disarm(k)
	}
}

// machineSink adapts fetch loop callbacks onto the mailbox.
type machineSink struct{ m *Machine }

func (s machineSink) SegmentFetched(epoch uint64, sample SegmentSample) {
	s.m.box.put(evSegment{epoch: epoch, sample: sample})
}

func (s machineSink) BufferLow(epoch uint64, buffered time.Duration) {
	s.m.box.put(evBufferLow{epoch: epoch, buffered: buffered})
}

func (s machineSink) FetchError(epoch uint64, err *FetchError) {
	s.m.box.put(evFetchError{epoch: epoch, err: err})
}

func (s machineSink) RendererError(epoch uint64, err error) {
	s.m.box.put(evRendererError{epoch: epoch, err: err})
}

// mailbox is an unbounded FIFO so producers (timers, the fetch loop, callers)
// never block on the machine goroutine.
type mailbox struct {
	mu     sync.Mutex
	queue  []any
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) put(ev any) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}
