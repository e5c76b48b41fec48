package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBufferRenderer_DrainsWhilePlaying(t *testing.T) {
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	r := NewBufferRenderer()
	r.now = clock.now

	require.NoError(t, r.Attach(10*time.Second))
	require.NoError(t, r.Append(SegmentData{Seq: 1, Duration: 4 * time.Second}))

	clock.advance(time.Second)
	assert.Equal(t, 3*time.Second, r.Buffered())
	assert.Equal(t, 11*time.Second, r.Position())

	r.Pause()
	clock.advance(time.Minute)
	assert.Equal(t, 3*time.Second, r.Buffered())

	r.Play()
	clock.advance(10 * time.Second)
	assert.Equal(t, time.Duration(0), r.Buffered(), "an empty buffer stalls the play-head")
	assert.Equal(t, 14*time.Second, r.Position())
}

func TestBufferRenderer_DetachedRejectsAppend(t *testing.T) {
	r := NewBufferRenderer()
	assert.ErrorIs(t, r.Append(SegmentData{Duration: time.Second}), ErrNotAttached)

	require.NoError(t, r.Attach(0))
	assert.True(t, r.Attached())
	r.Detach()
	assert.False(t, r.Attached())
	assert.ErrorIs(t, r.Append(SegmentData{Duration: time.Second}), ErrNotAttached)
}

func TestBufferRenderer_DecodeSpeed(t *testing.T) {
	r := NewBufferRenderer()
	assert.Equal(t, 1.0, r.DecodeSpeed())
	r.SetDecodeSpeed(0.75)
	assert.Equal(t, 0.75, r.DecodeSpeed())
	r.SetDecodeSpeed(0)
	assert.Equal(t, 0.75, r.DecodeSpeed())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, NetworkFault, Classify(&FetchError{Kind: FetchNetwork}))
	assert.Equal(t, MediaFault, Classify(&FetchError{Kind: FetchParse}))
	assert.Equal(t, FatalFault, Classify(ErrAssetGone))
	assert.Equal(t, FatalFault, Classify(&Fault{Kind: FatalFault}))
	assert.Equal(t, HeartbeatSendFailure, Classify(&Fault{Kind: HeartbeatSendFailure}))
	assert.Equal(t, "channel_disconnect", ChannelDisconnect.String())
	assert.Equal(t, "recovering", Recovering.String())
}
