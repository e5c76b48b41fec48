package playback

import "time"

// State is a PlaybackSession lifecycle state.
type State int

const (
	Idle State = iota
	Loading
	Playing
	Paused
	Recovering
	Stalled
	Fatal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Recovering:
		return "recovering"
	case Stalled:
		return "stalled"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool { return s == Fatal }

// transitions lists the only legal edges. Fatal has none.
var transitions = map[State][]State{
	Idle:       {Loading, Fatal},
	Loading:    {Playing, Stalled, Fatal, Idle},
	Playing:    {Recovering, Paused, Fatal, Idle},
	Paused:     {Playing, Fatal, Idle},
	Recovering: {Playing, Stalled, Fatal, Idle},
	Stalled:    {Loading, Fatal, Idle},
	Fatal:      {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition describes one state change, delivered to listeners in order.
type Transition struct {
	From   State
	To     State
	Reason string
	Err    error
	At     time.Time
}
