package playback

import (
	"sync"
	"time"
)

// SegmentData is a downloaded segment handed to the renderer.
type SegmentData struct {
	Seq       uint64
	Rendition int
	Duration  time.Duration
	Payload   []byte
}

// Renderer is the decode/buffer sink for one PlaybackSession. A Renderer is owned
// by at most one session at a time; Detach must run before another session attaches.
type Renderer interface {
	Attach(position time.Duration) error
	Detach()
	Append(seg SegmentData) error
	Buffered() time.Duration
	Position() time.Duration
	Play()
	Pause()
	// DecodeSpeed is the sustained decode rate relative to real time; 1 means real time.
	DecodeSpeed() float64
}

// BufferRenderer is a headless Renderer that models a playout buffer draining in
// wall-clock time while playing. It is what cmd/player renders into.
type BufferRenderer struct {
	mu          sync.Mutex
	now         func() time.Time
	attached    bool
	playing     bool
	buffered    time.Duration
	position    time.Duration
	lastTick    time.Time
	decodeSpeed float64
	appended    int
}

// NewBufferRenderer returns a detached renderer.
func NewBufferRenderer() *BufferRenderer {
	return &BufferRenderer{now: time.Now, decodeSpeed: 1}
}

func (r *BufferRenderer) Attach(position time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = true
	r.playing = true
	r.buffered = 0
	r.position = position
	r.lastTick = r.now()
	return nil
}

func (r *BufferRenderer) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.attached = false
	r.playing = false
	r.buffered = 0
}

func (r *BufferRenderer) Append(seg SegmentData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.attached {
		return ErrNotAttached
	}
	r.advance()
	r.buffered += seg.Duration
	r.appended++
	return nil
}

func (r *BufferRenderer) Buffered() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return r.buffered
}

func (r *BufferRenderer) Position() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return r.position
}

func (r *BufferRenderer) Play() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.playing = r.attached
}

func (r *BufferRenderer) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.playing = false
}

func (r *BufferRenderer) DecodeSpeed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decodeSpeed
}

// SetDecodeSpeed records the decoder's measured speed.
func (r *BufferRenderer) SetDecodeSpeed(speed float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if speed > 0 {
		r.decodeSpeed = speed
	}
}

// Attached reports whether a session currently owns the renderer.
func (r *BufferRenderer) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attached
}

// advance drains the buffer by the wall-clock time elapsed while playing. Caller holds mu.
func (r *BufferRenderer) advance() {
	now := r.now()
	elapsed := now.Sub(r.lastTick)
	r.lastTick = now
	if !r.attached || !r.playing || elapsed <= 0 {
		return
	}
	if elapsed > r.buffered {
		elapsed = r.buffered
	}
	r.buffered -= elapsed
	r.position += elapsed
}
