// Package controls keeps the player's on-screen control state and turns user
// input into playback intents. It reads playback state but never drives
// recovery.
package controls

import (
	"sync"
	"time"

	"github.com/streamcast/portal/internal/engagement"
	"github.com/streamcast/portal/internal/i18n"
	"github.com/streamcast/portal/internal/playback"
)

// DefaultHideAfter is the inactivity window before controls hide.
const DefaultHideAfter = 3 * time.Second

// Player receives the intents issued by the surface.
type Player interface {
	TogglePlay() error
	SetRendition(index int) error
}

// View is a copy of the surface state.
type View struct {
	ControlsVisible bool
	Muted           bool
	Volume          float64
	Fullscreen      bool
	QualityMenuOpen bool
	Playback        playback.State
}

// Surface is safe for concurrent use.
type Surface struct {
	player    Player
	hideAfter time.Duration
	onChange  func(View)

	mu    sync.Mutex
	view  View
	timer *time.Timer
	gen   uint64
}

// NewSurface returns a surface with visible controls and full volume.
// hideAfter <= 0 uses DefaultHideAfter; onChange may be nil.
func NewSurface(player Player, hideAfter time.Duration, onChange func(View)) *Surface {
	if hideAfter <= 0 {
		hideAfter = DefaultHideAfter
	}
	return &Surface{
		player:    player,
		hideAfter: hideAfter,
		onChange:  onChange,
		view:      View{ControlsVisible: true, Volume: 1, Playback: playback.Idle},
	}
}

// View returns the current state.
func (s *Surface) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// PointerMoved shows the controls and restarts the inactivity timer.
func (s *Surface) PointerMoved() {
	s.update(func(v *View) {})
}

func (s *Surface) ToggleMute() {
	s.update(func(v *View) { v.Muted = !v.Muted })
}

// SetVolume clamps to [0, 1]. Zero volume reads as muted.
func (s *Surface) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	s.update(func(v *View) {
		v.Volume = volume
		v.Muted = volume == 0
	})
}

func (s *Surface) ToggleFullscreen() {
	s.update(func(v *View) { v.Fullscreen = !v.Fullscreen })
}

// OpenQualityMenu pins the controls on screen until the menu closes.
func (s *Surface) OpenQualityMenu() {
	s.update(func(v *View) { v.QualityMenuOpen = true })
}

func (s *Surface) CloseQualityMenu() {
	s.update(func(v *View) { v.QualityMenuOpen = false })
}

// SelectQuality closes the menu and forwards the pick. playback.Auto returns
// to adaptive mode.
func (s *Surface) SelectQuality(index int) error {
	s.CloseQualityMenu()
	return s.player.SetRendition(index)
}

// TogglePlay forwards the intent. The Paused/Playing change arrives back
// through ObservePlayback.
func (s *Surface) TogglePlay() error {
	s.PointerMoved()
	return s.player.TogglePlay()
}

// ObservePlayback mirrors the playback state. Controls stay up while paused
// or failed.
func (s *Surface) ObservePlayback(state playback.State) {
	s.mu.Lock()
	s.view.Playback = state
	s.rearmLocked()
	v := s.view
	s.mu.Unlock()
	s.notify(v)
}

// Stop cancels the inactivity timer.
func (s *Surface) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Banner is the localized playback indicator, empty when nothing needs
// showing. Faults still inside recovery are not surfaced.
func (s *Surface) Banner(lang string) string {
	return Banner(lang, s.View().Playback)
}

// Banner maps a playback state to its user-facing message.
func Banner(lang string, state playback.State) string {
	switch state {
	case playback.Loading:
		return i18n.Message(lang, i18n.Buffering)
	case playback.Stalled:
		return i18n.Message(lang, i18n.Reconnecting)
	case playback.Fatal:
		return i18n.Message(lang, i18n.Unavailable)
	case playback.Paused:
		return i18n.Message(lang, i18n.Paused)
	default:
		return ""
	}
}

// ChatIndicator is the chat panel connectivity hint. It never affects video.
func ChatIndicator(lang string, status engagement.Status) string {
	switch status {
	case engagement.Connecting:
		return i18n.Message(lang, i18n.ChatConnecting)
	case engagement.Reconnecting:
		return i18n.Message(lang, i18n.ChatReconnecting)
	case engagement.Open:
		return i18n.Message(lang, i18n.ChatOnline)
	default:
		return ""
	}
}

func (s *Surface) update(fn func(v *View)) {
	s.mu.Lock()
	fn(&s.view)
	s.view.ControlsVisible = true
	s.rearmLocked()
	v := s.view
	s.mu.Unlock()
	s.notify(v)
}

func (s *Surface) canHideLocked() bool {
	switch s.view.Playback {
	case playback.Paused, playback.Fatal, playback.Idle:
		return false
	}
	return !s.view.QualityMenuOpen
}

// rearmLocked restarts the hide timer, or cancels it and shows the controls
// when hiding is not allowed.
func (s *Surface) rearmLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.canHideLocked() {
		s.view.ControlsVisible = true
		return
	}
	if !s.view.ControlsVisible {
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(s.hideAfter, func() { s.hide(gen) })
}

func (s *Surface) hide(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.canHideLocked() {
		s.mu.Unlock()
		return
	}
	s.view.ControlsVisible = false
	s.timer = nil
	v := s.view
	s.mu.Unlock()
	s.notify(v)
}

func (s *Surface) notify(v View) {
	if s.onChange != nil {
		s.onChange(v)
	}
}
