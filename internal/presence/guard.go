package presence

import (
	"sync"
	"time"

	"github.com/streamcast/portal/internal/playback"
)

// Guard turns playback states into heartbeat arm/disarm decisions. Playing or
// Stalled on a live asset keeps the heartbeat armed; other live states disarm
// after the grace window; Fatal and Idle disarm at once.
type Guard struct {
	hb    *Heartbeat
	grace time.Duration

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewGuard wraps hb with a grace window.
func NewGuard(hb *Heartbeat, grace time.Duration) *Guard {
	return &Guard{hb: hb, grace: grace}
}

// Observe applies a playback state for the given session.
func (g *Guard) Observe(state playback.State, live bool, sessionID, streamID string) {
	switch {
	case state == playback.Fatal || state == playback.Idle || !live:
		g.Stop()
	case state == playback.Playing || state == playback.Stalled:
		g.cancelGrace()
		g.hb.Arm(sessionID, streamID)
	default:
		g.startGrace()
	}
}

// Stop disarms immediately. Idempotent.
func (g *Guard) Stop() {
	g.cancelGrace()
	g.hb.Disarm()
}

func (g *Guard) startGrace() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil || !g.hb.Armed() {
		return
	}
	g.gen++
	gen := g.gen
	// check and disarm under one lock: a racing cancelGrace lands before or after both
	g.timer = time.AfterFunc(g.grace, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if gen != g.gen {
			return
		}
		g.timer = nil
		g.hb.Disarm()
	})
}

func (g *Guard) cancelGrace() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
