package playback

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAssetGone means the stream or asset no longer exists upstream.
	ErrAssetGone = errors.New("playback: asset gone")

	// ErrStreamOffline means the asset exists but is not currently broadcasting.
	ErrStreamOffline = errors.New("playback: stream offline")

	// ErrNoRenditions is returned for a manifest without any playable variant.
	ErrNoRenditions = errors.New("playback: manifest has no renditions")

	// ErrRendererUnrecoverable is wrapped by renderer errors that a re-attach cannot fix.
	ErrRendererUnrecoverable = errors.New("playback: renderer unrecoverable")

	// ErrNotAttached is returned when appending to a detached renderer.
	ErrNotAttached = errors.New("playback: renderer not attached")

	ErrUnknownRendition = errors.New("playback: unknown rendition")
	ErrClosed           = errors.New("playback: session closed")
)

// FetchErrorKind classifies a segment or playlist fetch failure.
type FetchErrorKind int

const (
	// FetchNetwork covers transport errors, timeouts and non-2xx responses.
	FetchNetwork FetchErrorKind = iota
	// FetchParse covers malformed playlists and bad segment framing.
	FetchParse
	// FetchAborted is a caller-initiated cancellation.
	FetchAborted
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchNetwork:
		return "network"
	case FetchParse:
		return "parse"
	case FetchAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// FetchError is reported by the fetch loop. The loop stops after reporting one.
type FetchError struct {
	Kind   FetchErrorKind
	URL    string
	Status int // HTTP status for non-2xx responses, 0 otherwise
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s %s: status %d", e.Kind, e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FaultKind is the failure taxonomy shared by playback, presence and engagement.
type FaultKind int

const (
	NetworkFault FaultKind = iota
	MediaFault
	FatalFault
	ChannelDisconnect
	HeartbeatSendFailure
)

func (k FaultKind) String() string {
	switch k {
	case NetworkFault:
		return "network"
	case MediaFault:
		return "media"
	case FatalFault:
		return "fatal"
	case ChannelDisconnect:
		return "channel_disconnect"
	case HeartbeatSendFailure:
		return "heartbeat_send_failure"
	default:
		return "unknown"
	}
}

// Fault is a classified failure.
type Fault struct {
	Kind FaultKind
	Err  error
	At   time.Time
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Classify maps an error coming out of the playback pipeline onto the fault taxonomy.
func Classify(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, ErrAssetGone) || errors.Is(err, ErrRendererUnrecoverable) || errors.Is(err, ErrNoRenditions) {
		return FatalFault
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Kind == FetchParse {
			return MediaFault
		}
		return NetworkFault
	}
	return MediaFault
}
