package playback

import (
	"sync"
	"time"
)

// Auto selects renditions from measured throughput instead of pinning one.
const Auto = -1

// ABRConfig tunes the adaptive bitrate controller.
type ABRConfig struct {
	Window         int     // rolling sample window
	SafetyFactor   float64 // fraction of the estimate a rendition may use
	CooldownFactor float64 // up-switch cool-down in mean segment durations
}

// DefaultABRConfig returns a 5-sample window, 0.8 safety margin and a 2-segment cool-down.
func DefaultABRConfig() ABRConfig {
	return ABRConfig{Window: 5, SafetyFactor: 0.8, CooldownFactor: 2}
}

// SegmentSample is the timing of one completed segment fetch.
type SegmentSample struct {
	Seq           uint64
	Rendition     int
	Bytes         int64
	FetchDuration time.Duration
	MediaDuration time.Duration
	At            time.Time
}

// Telemetry is what the state machine knows when asking for the next rendition.
type Telemetry struct {
	Now         time.Time
	BufferLow   bool
	DecodeSpeed float64 // 0 means unknown
}

// ABR picks the rendition to request next. Its only state is the sample window,
// the mode, and the last switch.
type ABR struct {
	mu         sync.Mutex
	cfg        ABRConfig
	ladder     []Rendition
	mode       int
	current    int
	lastSwitch time.Time
	samples    []SegmentSample
}

// NewABR starts in Auto mode on the lowest rendition.
func NewABR(cfg ABRConfig) *ABR {
	def := DefaultABRConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SafetyFactor <= 0 || cfg.SafetyFactor > 1 {
		cfg.SafetyFactor = def.SafetyFactor
	}
	if cfg.CooldownFactor <= 0 {
		cfg.CooldownFactor = def.CooldownFactor
	}
	return &ABR{cfg: cfg, mode: Auto}
}

// SetLadder installs a (possibly refreshed) rendition ladder. The current index
// is clamped to the new ladder.
func (a *ABR) SetLadder(ladder []Rendition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ladder = append([]Rendition(nil), ladder...)
	a.current = a.clamp(a.current)
}

// SetMode pins rendition index, or returns to Auto. Valid at any time.
func (a *ABR) SetMode(index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index < Auto || (index != Auto && len(a.ladder) > 0 && index >= len(a.ladder)) {
		return ErrUnknownRendition
	}
	a.mode = index
	return nil
}

// Mode returns the pinned index or Auto.
func (a *ABR) Mode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Current returns the most recently selected index.
func (a *ABR) Current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Observe adds a fetch sample to the rolling window.
func (a *ABR) Observe(s SegmentSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, s)
	if n := len(a.samples) - a.cfg.Window; n > 0 {
		a.samples = append(a.samples[:0], a.samples[n:]...)
	}
}

// Reset drops all samples, used after a rendition ladder is reloaded from scratch.
func (a *ABR) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = nil
	a.lastSwitch = time.Time{}
}

// EstimateBandwidth returns the usable bandwidth in bits per second.
func (a *ABR) EstimateBandwidth(decodeSpeed float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estimate(decodeSpeed)
}

// SelectRendition returns the ladder index to fetch next, or -1 without a ladder.
func (a *ABR) SelectRendition(t Telemetry) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.ladder) == 0 {
		return -1
	}
	if t.Now.IsZero() {
		t.Now = time.Now()
	}
	if a.mode != Auto {
		a.switchTo(a.clamp(a.mode), t.Now)
		return a.current
	}

	target := a.target(t.DecodeSpeed)
	next := a.current
	switch {
	case t.BufferLow:
		next = min(target, a.current-1)
		if next < 0 {
			next = 0
		}
	case target < a.current:
		next = target
	case target > a.current:
		if a.lastSwitch.IsZero() || t.Now.Sub(a.lastSwitch) >= a.cooldown() {
			next = target
		}
	}
	a.switchTo(next, t.Now)
	return a.current
}

func (a *ABR) switchTo(next int, now time.Time) {
	if next != a.current {
		a.current = next
		a.lastSwitch = now
	}
}

// target is the highest rendition fitting under the safety margin. Caller holds mu.
func (a *ABR) target(decodeSpeed float64) int {
	if len(a.samples) == 0 {
		return a.current
	}
	budget := a.estimate(decodeSpeed) * a.cfg.SafetyFactor
	best := 0
	for i, r := range a.ladder {
		if float64(r.Bandwidth) <= budget {
			best = i
		}
	}
	return best
}

func (a *ABR) estimate(decodeSpeed float64) float64 {
	var bits float64
	var secs float64
	for _, s := range a.samples {
		bits += float64(s.Bytes) * 8
		secs += s.FetchDuration.Seconds()
	}
	if secs <= 0 {
		return 0
	}
	bw := bits / secs
	if decodeSpeed > 0 && decodeSpeed < 1 {
		bw *= decodeSpeed
	}
	return bw
}

func (a *ABR) cooldown() time.Duration {
	if len(a.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range a.samples {
		total += s.MediaDuration
	}
	mean := total / time.Duration(len(a.samples))
	return time.Duration(float64(mean) * a.cfg.CooldownFactor)
}

func (a *ABR) clamp(i int) int {
	if i < 0 {
		return 0
	}
	if n := len(a.ladder); n > 0 && i >= n {
		return n - 1
	}
	return i
}
