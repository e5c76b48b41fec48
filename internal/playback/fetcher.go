package playback

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxSegmentBytes = 64 << 20
	tsSyncByte      = 0x47
)

// FetchSink receives fetch loop events tagged with the epoch they were started with.
// Implementations must not block.
type FetchSink interface {
	SegmentFetched(epoch uint64, s SegmentSample)
	BufferLow(epoch uint64, buffered time.Duration)
	FetchError(epoch uint64, err *FetchError)
	RendererError(epoch uint64, err error)
}

// FetchRequest starts a fetch loop. From 0 joins near the live edge.
type FetchRequest struct {
	Rendition Rendition
	From      uint64
	Epoch     uint64
	Sink      FetchSink
}

// Fetcher streams segments of one rendition into a renderer.
type Fetcher interface {
	Start(req FetchRequest)
	Switch(r Rendition, abort bool)
	Stop()
}

// FetchConfig tunes the fetch loop.
type FetchConfig struct {
	TargetBuffer     time.Duration
	LowBuffer        time.Duration
	LiveEdgeSegments int
}

// DefaultFetchConfig keeps 12s ahead of the play-head and reports below 4s.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{TargetBuffer: 12 * time.Second, LowBuffer: 4 * time.Second, LiveEdgeSegments: 3}
}

// FetchLoop is the HTTP Fetcher. At most one loop goroutine runs per FetchLoop.
type FetchLoop struct {
	client   *http.Client
	renderer Renderer
	cfg      FetchConfig
	logger   *zap.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	segCancel context.CancelFunc
	pending   *Rendition
	wake      chan struct{}
}

// NewFetchLoop creates a stopped fetch loop.
func NewFetchLoop(client *http.Client, renderer Renderer, cfg FetchConfig, logger *zap.Logger) *FetchLoop {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultFetchConfig()
	if cfg.TargetBuffer <= 0 {
		cfg.TargetBuffer = def.TargetBuffer
	}
	if cfg.LowBuffer <= 0 || cfg.LowBuffer >= cfg.TargetBuffer {
		cfg.LowBuffer = cfg.TargetBuffer / 3
	}
	if cfg.LiveEdgeSegments <= 0 {
		cfg.LiveEdgeSegments = def.LiveEdgeSegments
	}
	return &FetchLoop{
		client:   client,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Start stops any running loop, waits for it, then starts a new one.
func (l *FetchLoop) Start(req FetchRequest) {
	l.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.pending = nil
	l.mu.Unlock()
	go l.run(ctx, done, req)
}

// Switch makes the next segment come from r at the same media sequence. With abort
// the in-flight segment request is cancelled.
func (l *FetchLoop) Switch(r Rendition, abort bool) {
	l.mu.Lock()
	l.pending = &r
	if abort && l.segCancel != nil {
		l.segCancel()
	}
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and any in-flight request and waits for the goroutine to exit.
func (l *FetchLoop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *FetchLoop) takeSwitch() (Rendition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return Rendition{}, false
	}
	r := *l.pending
	l.pending = nil
	return r, true
}

func (l *FetchLoop) run(ctx context.Context, done chan struct{}, req FetchRequest) {
	defer close(done)
	rend := req.Rendition
	next := req.From
	aboveLow := false
	var pl *MediaPlaylist

	for ctx.Err() == nil {
		if r, ok := l.takeSwitch(); ok && r.URI != rend.URI {
			l.logger.Debug("rendition switch", zap.String("from", rend.Label), zap.String("to", r.Label), zap.Uint64("seq", next))
			rend = r
			pl = nil
		}

		if pl == nil {
			var err error
			pl, err = LoadMediaPlaylist(ctx, l.client, rend.URI)
			if err != nil {
				if l.report(ctx, req, err) {
					return
				}
				continue
			}
			if next == 0 {
				next = l.liveEdge(pl)
			}
			if next < pl.SeqNo {
				l.logger.Debug("fell behind playlist window", zap.Uint64("want", next), zap.Uint64("first", pl.SeqNo))
				next = pl.SeqNo
			}
		}

		buffered := l.renderer.Buffered()
		if buffered >= l.cfg.LowBuffer {
			aboveLow = true
		} else if aboveLow {
			aboveLow = false
			req.Sink.BufferLow(req.Epoch, buffered)
		}
		if buffered >= l.cfg.TargetBuffer {
			l.sleep(ctx, min(buffered-l.cfg.TargetBuffer+50*time.Millisecond, time.Second))
			continue
		}

		seg, ok := pl.Segment(next)
		if !ok {
			if pl.Closed {
				// end of a finished asset; idle until stopped or switched
				l.sleep(ctx, time.Second)
				continue
			}
			l.sleep(ctx, pl.TargetDuration/2)
			pl = nil
			continue
		}

		sample, data, err := l.fetchSegment(ctx, rend, seg)
		if err != nil {
			if l.report(ctx, req, err) {
				return
			}
			continue
		}
		if err := l.renderer.Append(data); err != nil {
			req.Sink.RendererError(req.Epoch, err)
			return
		}
		req.Sink.SegmentFetched(req.Epoch, sample)
		next++
	}
}

// report forwards a fetch failure. It returns true when the loop must exit; an
// aborted request with the loop still running means a switch asked for it.
func (l *FetchLoop) report(ctx context.Context, req FetchRequest, err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		fe = &FetchError{Kind: FetchNetwork, Err: err}
	}
	if fe.Kind == FetchAborted {
		return ctx.Err() != nil
	}
	if ctx.Err() != nil {
		return true
	}
	req.Sink.FetchError(req.Epoch, fe)
	return true
}

func (l *FetchLoop) fetchSegment(ctx context.Context, rend Rendition, seg Segment) (SegmentSample, SegmentData, error) {
	segCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.segCancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.segCancel = nil
		l.mu.Unlock()
		cancel()
	}()

	started := time.Now()
	body, took, err := get(segCtx, l.client, seg.URI, maxSegmentBytes)
	if err != nil {
		return SegmentSample{}, SegmentData{}, err
	}
	if err := validateSegment(seg.URI, body); err != nil {
		return SegmentSample{}, SegmentData{}, &FetchError{Kind: FetchParse, URL: seg.URI, Err: err}
	}
	sample := SegmentSample{
		Seq:           seg.Seq,
		Rendition:     rend.Index,
		Bytes:         int64(len(body)),
		FetchDuration: took,
		MediaDuration: seg.Duration,
		At:            started,
	}
	data := SegmentData{Seq: seg.Seq, Rendition: rend.Index, Duration: seg.Duration, Payload: body}
	return sample, data, nil
}

func (l *FetchLoop) liveEdge(pl *MediaPlaylist) uint64 {
	if pl.Closed || len(pl.Segments) <= l.cfg.LiveEdgeSegments {
		return pl.SeqNo
	}
	return pl.LastSeq() + 1 - uint64(l.cfg.LiveEdgeSegments)
}

func (l *FetchLoop) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-l.wake:
	case <-t.C:
	}
}

var (
	errEmptySegment = errors.New("empty segment")
	errTSSync       = errors.New("missing transport stream sync byte")
	errShortFMP4    = errors.New("truncated fragmented mp4 box")
)

// validateSegment checks container framing so corrupt payloads surface as parse errors.
func validateSegment(rawURL string, body []byte) error {
	if len(body) == 0 {
		return errEmptySegment
	}
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".ts":
		if body[0] != tsSyncByte {
			return errTSSync
		}
	case ".m4s", ".mp4":
		if len(body) < 8 {
			return errShortFMP4
		}
	}
	return nil
}
