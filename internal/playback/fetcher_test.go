package playback

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	samples  chan SegmentSample
	errs     chan *FetchError
	lows     chan time.Duration
	rendErrs chan error
	onSample func(SegmentSample)
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		samples:  make(chan SegmentSample, 64),
		errs:     make(chan *FetchError, 8),
		lows:     make(chan time.Duration, 8),
		rendErrs: make(chan error, 8),
	}
}

func (s *recordingSink) SegmentFetched(_ uint64, smp SegmentSample) {
	if s.onSample != nil {
		s.onSample(smp)
	}
	s.samples <- smp
}
func (s *recordingSink) BufferLow(_ uint64, b time.Duration) { s.lows <- b }
func (s *recordingSink) FetchError(_ uint64, err *FetchError) { s.errs <- err }
func (s *recordingSink) RendererError(_ uint64, err error) { s.rendErrs <- err }

func (s *recordingSink) next(t *testing.T) SegmentSample {
	t.Helper()
	select {
	case smp := <-s.samples:
		return smp
	case <-time.After(2 * time.Second):
		t.Fatal("no segment fetched")
		return SegmentSample{}
	}
}

func (s *recordingSink) nextErr(t *testing.T) *FetchError {
	t.Helper()
	select {
	case err := <-s.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no fetch error reported")
		return nil
	}
}

// segmentServer serves /<name>/index.m3u8 playlists and .ts segments.
type segmentServer struct {
	mu        sync.Mutex
	playlists map[string]string
	segments  map[string]func(w http.ResponseWriter)
	requested []string
}

func newSegmentServer() *segmentServer {
	return &segmentServer{playlists: map[string]string{}, segments: map[string]func(http.ResponseWriter){}}
}

func (s *segmentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requested = append(s.requested, r.URL.Path)
	pl, isPlaylist := s.playlists[r.URL.Path]
	seg := s.segments[r.URL.Path]
	s.mu.Unlock()

	switch {
	case isPlaylist:
		_, _ = w.Write([]byte(pl))
	case seg != nil:
		seg(w)
	case strings.HasSuffix(r.URL.Path, ".ts"):
		_, _ = w.Write([]byte{0x47, 0x40, 0x00, 0x10})
	default:
		http.NotFound(w, r)
	}
}

func (s *segmentServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requested...)
}

func attachedRenderer(t *testing.T) *BufferRenderer {
	r := NewBufferRenderer()
	require.NoError(t, r.Attach(0))
	r.Pause()
	return r
}

func bigBufferConfig() FetchConfig {
	return FetchConfig{TargetBuffer: time.Hour, LowBuffer: time.Second}
}

func TestFetchLoop_VODFromStart(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = vodPlaylist(100, 3)
	srv := httptest.NewServer(ss)
	defer srv.Close()

	r := attachedRenderer(t)
	l := NewFetchLoop(srv.Client(), r, bigBufferConfig(), nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	for want := uint64(100); want < 103; want++ {
		smp := sink.next(t)
		assert.Equal(t, want, smp.Seq)
		assert.Equal(t, int64(4), smp.Bytes)
		assert.Equal(t, 2*time.Second, smp.MediaDuration)
	}
	assert.Equal(t, 6*time.Second, r.Buffered())
}

func TestFetchLoop_LiveEdge(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = livePlaylist(10, 6)
	srv := httptest.NewServer(ss)
	defer srv.Close()

	l := NewFetchLoop(srv.Client(), attachedRenderer(t), bigBufferConfig(), nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	assert.Equal(t, uint64(13), sink.next(t).Seq, "joins three segments behind the live edge")
	assert.Equal(t, uint64(14), sink.next(t).Seq)
}

func TestFetchLoop_ResumesFromSequence(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = livePlaylist(10, 6)
	srv := httptest.NewServer(ss)
	defer srv.Close()

	l := NewFetchLoop(srv.Client(), attachedRenderer(t), bigBufferConfig(), nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{URI: srv.URL + "/lo/index.m3u8"}, From: 11, Epoch: 1, Sink: sink})
	defer l.Stop()

	assert.Equal(t, uint64(11), sink.next(t).Seq)
}

func TestFetchLoop_HTTPStatusIsNetworkError(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = vodPlaylist(0, 3)
	ss.segments["/lo/seg1.ts"] = func(w http.ResponseWriter) { w.WriteHeader(http.StatusServiceUnavailable) }
	srv := httptest.NewServer(ss)
	defer srv.Close()

	l := NewFetchLoop(srv.Client(), attachedRenderer(t), bigBufferConfig(), nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	assert.Equal(t, uint64(0), sink.next(t).Seq)
	fe := sink.nextErr(t)
	assert.Equal(t, FetchNetwork, fe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
	assert.True(t, strings.HasSuffix(fe.URL, "/lo/seg1.ts"))
}

func TestFetchLoop_BadFramingIsParseError(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = vodPlaylist(0, 3)
	ss.segments["/lo/seg0.ts"] = func(w http.ResponseWriter) { _, _ = w.Write([]byte("<html>")) }
	srv := httptest.NewServer(ss)
	defer srv.Close()

	l := NewFetchLoop(srv.Client(), attachedRenderer(t), bigBufferConfig(), nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	assert.Equal(t, FetchParse, sink.nextErr(t).Kind)
}

func TestFetchLoop_MalformedPlaylistIsParseError(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = "not a playlist"
	srv := httptest.NewServer(ss)
	defer srv.Close()

	l := NewFetchLoop(srv.Client(), attachedRenderer(t), bigBufferConfig(), nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	assert.Equal(t, FetchParse, sink.nextErr(t).Kind)
}

func TestFetchLoop_DetachedRendererReportsRendererError(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = vodPlaylist(0, 3)
	srv := httptest.NewServer(ss)
	defer srv.Close()

	l := NewFetchLoop(srv.Client(), NewBufferRenderer(), bigBufferConfig(), nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	select {
	case err := <-sink.rendErrs:
		assert.ErrorIs(t, err, ErrNotAttached)
	case <-time.After(2 * time.Second):
		t.Fatal("no renderer error")
	}
}

func TestFetchLoop_SwitchKeepsSequence(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = vodPlaylist(0, 4)
	ss.playlists["/hi/index.m3u8"] = vodPlaylist(0, 4)
	srv := httptest.NewServer(ss)
	defer srv.Close()

	l := NewFetchLoop(srv.Client(), attachedRenderer(t), bigBufferConfig(), nil)
	hi := Rendition{Index: 1, URI: srv.URL + "/hi/index.m3u8", Label: "hi"}
	sink := newRecordingSink()
	var once sync.Once
	sink.onSample = func(SegmentSample) { once.Do(func() { l.Switch(hi, false) }) }
	l.Start(FetchRequest{Rendition: Rendition{Index: 0, URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	first := sink.next(t)
	second := sink.next(t)
	assert.Equal(t, 0, first.Rendition)
	assert.Equal(t, 1, second.Rendition)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Contains(t, ss.paths(), "/hi/seg1.ts")
	assert.NotContains(t, ss.paths(), "/hi/seg0.ts")
}

func TestFetchLoop_AbortedSwitchDoesNotReportError(t *testing.T) {
	release := make(chan struct{})
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = vodPlaylist(0, 2)
	ss.playlists["/hi/index.m3u8"] = vodPlaylist(0, 2)
	ss.segments["/lo/seg0.ts"] = func(w http.ResponseWriter) { <-release }
	srv := httptest.NewServer(ss)
	defer srv.Close()
	defer close(release)

	l := NewFetchLoop(srv.Client(), attachedRenderer(t), bigBufferConfig(), nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{Index: 0, URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	require.Eventually(t, func() bool {
		for _, p := range ss.paths() {
			if p == "/lo/seg0.ts" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	l.Switch(Rendition{Index: 1, URI: srv.URL + "/hi/index.m3u8"}, true)

	smp := sink.next(t)
	assert.Equal(t, 1, smp.Rendition)
	assert.Equal(t, uint64(0), smp.Seq)
	assert.Empty(t, sink.errs)
}

func TestFetchLoop_BufferLowOncePerCrossing(t *testing.T) {
	ss := newSegmentServer()
	ss.playlists["/lo/index.m3u8"] = vodPlaylist(0, 2)
	srv := httptest.NewServer(ss)
	defer srv.Close()

	r := NewBufferRenderer()
	require.NoError(t, r.Attach(0))
	// 4s of media drains in real time; low watermark at 3s
	l := NewFetchLoop(srv.Client(), r, FetchConfig{TargetBuffer: 10 * time.Second, LowBuffer: 3 * time.Second}, nil)
	sink := newRecordingSink()
	l.Start(FetchRequest{Rendition: Rendition{URI: srv.URL + "/lo/index.m3u8"}, Epoch: 1, Sink: sink})
	defer l.Stop()

	sink.next(t)
	sink.next(t)
	select {
	case b := <-sink.lows:
		assert.Less(t, b, 3*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("buffer low not reported")
	}
	select {
	case <-sink.lows:
		t.Fatal("buffer low reported twice for one crossing")
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestFetchLoop_StopIsIdempotent(t *testing.T) {
	l := NewFetchLoop(nil, NewBufferRenderer(), FetchConfig{}, nil)
	assert.NotPanics(t, func() {
		l.Stop()
		l.Stop()
	})
}
