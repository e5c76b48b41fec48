package engagement

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamcast/portal/internal/models"
)

// Reasons passed to OnPollClosed.
const (
	CloseReasonServer   = "closed"
	CloseReasonExpired  = "expired"
	CloseReasonReplaced = "replaced"
)

// PollTracker holds at most one active poll. A newly opened poll replaces the
// current one. The server's expiresAt is the deadline; a local timer clears the
// poll at that instant in case the close event never arrives.
type PollTracker struct {
	mu     sync.Mutex
	now    func() time.Time
	active *models.Poll
	timer  *time.Timer
	gen    uint64

	onOpened  func(models.Poll)
	onClosed  func(pollID uuid.UUID, reason string)
	onUpdated func(models.Poll)
}

// NewPollTracker creates an empty tracker. Nil callbacks are skipped.
func NewPollTracker(onOpened func(models.Poll), onClosed func(uuid.UUID, string), onUpdated func(models.Poll)) *PollTracker {
	return &PollTracker{now: time.Now, onOpened: onOpened, onClosed: onClosed, onUpdated: onUpdated}
}

// Open activates p, replacing any active poll. A poll already past its deadline is
// ignored and Open returns false.
func (t *PollTracker) Open(p models.Poll) bool {
	t.mu.Lock()
	remaining := p.Deadline().Sub(t.now())
	if remaining <= 0 {
		t.mu.Unlock()
		return false
	}
	var replaced *models.Poll
	if t.active != nil && t.active.ID != p.ID {
		replaced = t.active
	}
	t.stopTimerLocked()
	poll := p
	t.active = &poll
	gen := t.gen
	t.timer = time.AfterFunc(remaining, func() { t.expire(gen, p.ID) })
	t.mu.Unlock()

	if replaced != nil && t.onClosed != nil {
		t.onClosed(replaced.ID, CloseReasonReplaced)
	}
	if t.onOpened != nil {
		t.onOpened(p)
	}
	return true
}

// Close clears the active poll if its id matches.
func (t *PollTracker) Close(pollID uuid.UUID, reason string) bool {
	t.mu.Lock()
	if t.active == nil || t.active.ID != pollID {
		t.mu.Unlock()
		return false
	}
	t.active = nil
	t.stopTimerLocked()
	t.mu.Unlock()

	if t.onClosed != nil {
		t.onClosed(pollID, reason)
	}
	return true
}

// Update replaces the tallies of the active poll if ids match.
func (t *PollTracker) Update(p models.Poll) bool {
	t.mu.Lock()
	if t.active == nil || t.active.ID != p.ID {
		t.mu.Unlock()
		return false
	}
	t.active.Options = append([]models.PollOption(nil), p.Options...)
	updated := *t.active
	t.mu.Unlock()

	if t.onUpdated != nil {
		t.onUpdated(updated)
	}
	return true
}

// Active returns the active poll.
func (t *PollTracker) Active() (models.Poll, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return models.Poll{}, false
	}
	return *t.active, true
}

// Clear drops the active poll without notifying.
func (t *PollTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = nil
	t.stopTimerLocked()
}

func (t *PollTracker) expire(gen uint64, pollID uuid.UUID) {
	t.mu.Lock()
	if gen != t.gen || t.active == nil || t.active.ID != pollID {
		t.mu.Unlock()
		return
	}
	t.active = nil
	t.timer = nil
	t.mu.Unlock()

	if t.onClosed != nil {
		t.onClosed(pollID, CloseReasonExpired)
	}
}

func (t *PollTracker) stopTimerLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
