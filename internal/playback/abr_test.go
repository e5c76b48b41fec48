package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLadder() []Rendition {
	return []Rendition{
		{Index: 0, Height: 480, Bandwidth: 800_000, Label: "480p"},
		{Index: 1, Height: 720, Bandwidth: 2_500_000, Label: "720p"},
		{Index: 2, Height: 1080, Bandwidth: 5_000_000, Label: "1080p"},
	}
}

// sample of bytes fetched in fetch, for a 2s segment.
func sample(bytes int64, fetch time.Duration) SegmentSample {
	return SegmentSample{Bytes: bytes, FetchDuration: fetch, MediaDuration: 2 * time.Second}
}

func TestABR_StartsLowestAndClimbs(t *testing.T) {
	a := NewABR(DefaultABRConfig())
	a.SetLadder(testLadder())
	now := time.Now()

	assert.Equal(t, 0, a.SelectRendition(Telemetry{Now: now}), "no samples: stay on lowest")

	a.Observe(sample(1_000_000, time.Second)) // 8 Mbps
	assert.Equal(t, 2, a.SelectRendition(Telemetry{Now: now}))
}

func TestABR_SafetyMargin(t *testing.T) {
	a := NewABR(DefaultABRConfig())
	a.SetLadder(testLadder())
	// 3 Mbps estimate; 0.8 * 3M = 2.4M is under 720p's 2.5M
	a.Observe(sample(375_000, time.Second))
	assert.Equal(t, 0, a.SelectRendition(Telemetry{Now: time.Now()}))
}

func TestABR_NoUpSwitchWithinCooldown(t *testing.T) {
	a := NewABR(DefaultABRConfig())
	a.SetLadder(testLadder())
	t0 := time.Now()

	a.Observe(sample(400_000, time.Second)) // 3.2 Mbps -> 720p
	require.Equal(t, 1, a.SelectRendition(Telemetry{Now: t0}))

	for i := 0; i < 5; i++ {
		a.Observe(sample(2_000_000, time.Second)) // 16 Mbps
	}
	// cool-down is 2 x 2s segments
	assert.Equal(t, 1, a.SelectRendition(Telemetry{Now: t0.Add(3 * time.Second)}))
	assert.Equal(t, 2, a.SelectRendition(Telemetry{Now: t0.Add(4 * time.Second)}))
}

func TestABR_BufferLowSwitchesDownImmediately(t *testing.T) {
	a := NewABR(DefaultABRConfig())
	a.SetLadder(testLadder())
	t0 := time.Now()

	a.Observe(sample(1_000_000, time.Second))
	require.Equal(t, 2, a.SelectRendition(Telemetry{Now: t0}))

	// still plenty of bandwidth, still inside the cool-down
	got := a.SelectRendition(Telemetry{Now: t0.Add(10 * time.Millisecond), BufferLow: true})
	assert.Equal(t, 1, got)
	got = a.SelectRendition(Telemetry{Now: t0.Add(20 * time.Millisecond), BufferLow: true})
	assert.Equal(t, 0, got)
	got = a.SelectRendition(Telemetry{Now: t0.Add(30 * time.Millisecond), BufferLow: true})
	assert.Equal(t, 0, got, "never below the lowest rendition")
}

func TestABR_DownSwitchOnThroughputDrop(t *testing.T) {
	a := NewABR(ABRConfig{Window: 1})
	a.SetLadder(testLadder())
	t0 := time.Now()

	a.Observe(sample(1_000_000, time.Second))
	require.Equal(t, 2, a.SelectRendition(Telemetry{Now: t0}))

	a.Observe(sample(100_000, time.Second)) // 0.8 Mbps
	assert.Equal(t, 0, a.SelectRendition(Telemetry{Now: t0.Add(time.Millisecond)}))
}

func TestABR_DecodeSpeedScalesEstimate(t *testing.T) {
	a := NewABR(DefaultABRConfig())
	a.SetLadder(testLadder())
	a.Observe(sample(1_000_000, time.Second))

	assert.InDelta(t, 8_000_000, a.EstimateBandwidth(0), 1)
	assert.InDelta(t, 8_000_000, a.EstimateBandwidth(1.5), 1)
	assert.InDelta(t, 4_000_000, a.EstimateBandwidth(0.5), 1)
	assert.Equal(t, 1, a.SelectRendition(Telemetry{Now: time.Now(), DecodeSpeed: 0.5}))
}

func TestABR_WindowKeepsLastSamples(t *testing.T) {
	a := NewABR(ABRConfig{Window: 2})
	a.SetLadder(testLadder())
	a.Observe(sample(10_000_000, time.Second))
	a.Observe(sample(100_000, time.Second))
	a.Observe(sample(100_000, time.Second))
	assert.InDelta(t, 800_000, a.EstimateBandwidth(0), 1)
}

func TestABR_ManualPinsAndAutoResumes(t *testing.T) {
	a := NewABR(DefaultABRConfig())
	a.SetLadder(testLadder())
	now := time.Now()
	a.Observe(sample(1_000_000, time.Second))

	require.NoError(t, a.SetMode(0))
	assert.Equal(t, 0, a.SelectRendition(Telemetry{Now: now}))
	assert.Equal(t, 0, a.SelectRendition(Telemetry{Now: now.Add(time.Minute)}))

	require.NoError(t, a.SetMode(Auto))
	assert.Equal(t, Auto, a.Mode())
	assert.Equal(t, 2, a.SelectRendition(Telemetry{Now: now.Add(2 * time.Minute)}))

	assert.ErrorIs(t, a.SetMode(7), ErrUnknownRendition)
	assert.ErrorIs(t, a.SetMode(-2), ErrUnknownRendition)
}

func TestABR_EmptyLadder(t *testing.T) {
	a := NewABR(DefaultABRConfig())
	assert.Equal(t, -1, a.SelectRendition(Telemetry{}))
}

func TestABR_LadderRefreshClamps(t *testing.T) {
	a := NewABR(DefaultABRConfig())
	a.SetLadder(testLadder())
	a.Observe(sample(1_000_000, time.Second))
	require.Equal(t, 2, a.SelectRendition(Telemetry{Now: time.Now()}))

	a.SetLadder(testLadder()[:2])
	assert.Equal(t, 1, a.Current())
}
