package playback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
hi/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=854x480
lo/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
mid/index.m3u8
`

func livePlaylist(first, count int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:" + strconv.Itoa(first) + "\n")
	for i := first; i < first+count; i++ {
		b.WriteString("#EXTINF:2.000,\nseg" + strconv.Itoa(i) + ".ts\n")
	}
	return b.String()
}

func vodPlaylist(first, count int) string {
	return livePlaylist(first, count) + "#EXT-X-ENDLIST\n"
}

func TestParseManifest_MasterSortedAndResolved(t *testing.T) {
	m, media, err := ParseManifest("http://cdn.test/live/master.m3u8", strings.NewReader(masterPlaylist))
	require.NoError(t, err)
	assert.Nil(t, media)
	require.Len(t, m.Renditions, 3)

	labels := []string{m.Renditions[0].Label, m.Renditions[1].Label, m.Renditions[2].Label}
	assert.Equal(t, []string{"480p", "720p", "1080p"}, labels)
	for i, r := range m.Renditions {
		assert.Equal(t, i, r.Index)
	}
	assert.Equal(t, "http://cdn.test/live/lo/index.m3u8", m.Renditions[0].URI)
	assert.Equal(t, int64(5000000), m.Renditions[2].Bandwidth)
	assert.Equal(t, 1, m.IndexOf("720P"))
	assert.Equal(t, -1, m.IndexOf("4k"))
}

func TestParseManifest_MasterBuiltWithLibrary(t *testing.T) {
	master := m3u8.NewMasterPlaylist()
	chunk, err := m3u8.NewMediaPlaylist(3, 3)
	require.NoError(t, err)
	master.Append("b.m3u8", chunk, m3u8.VariantParams{Bandwidth: 3_000_000, Resolution: "1280x720"})
	master.Append("a.m3u8", chunk, m3u8.VariantParams{Bandwidth: 1_000_000})

	m, _, err := ParseManifest("http://cdn.test/x/master.m3u8", master.Encode())
	require.NoError(t, err)
	require.Len(t, m.Renditions, 2)
	assert.Equal(t, "1000k", m.Renditions[0].Label)
	assert.Equal(t, "720p", m.Renditions[1].Label)
}

func TestParseManifest_MediaOnly(t *testing.T) {
	m, media, err := ParseManifest("http://cdn.test/v/index.m3u8", strings.NewReader(vodPlaylist(5, 3)))
	require.NoError(t, err)
	require.NotNil(t, media)
	require.Len(t, m.Renditions, 1)
	assert.Equal(t, "http://cdn.test/v/index.m3u8", m.Renditions[0].URI)
	assert.True(t, media.Closed)
	assert.Equal(t, uint64(5), media.SeqNo)
	require.Len(t, media.Segments, 3)
	assert.Equal(t, uint64(7), media.LastSeq())
	assert.Equal(t, "http://cdn.test/v/seg6.ts", media.Segments[1].URI)
}

func TestParseManifest_GarbageIsParseError(t *testing.T) {
	_, _, err := ParseManifest("http://cdn.test/x.m3u8", strings.NewReader("<html>not a playlist</html>"))
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FetchParse, fe.Kind)
	assert.Equal(t, MediaFault, Classify(err))
}

func TestMediaPlaylist_BuiltWithLibrary(t *testing.T) {
	p, err := m3u8.NewMediaPlaylist(0, 4)
	require.NoError(t, err)
	require.NoError(t, p.Append("a.ts", 4, ""))
	require.NoError(t, p.Append("b.ts", 4, ""))
	p.Close()

	media, err := ParseMediaPlaylist("http://cdn.test/r/index.m3u8", p.Encode())
	require.NoError(t, err)
	assert.True(t, media.Closed)
	require.Len(t, media.Segments, 2)
	seg, ok := media.Segment(media.SeqNo + 1)
	require.True(t, ok)
	assert.Equal(t, "http://cdn.test/r/b.ts", seg.URI)
	_, ok = media.Segment(media.SeqNo + 2)
	assert.False(t, ok)
}

func TestManifestLoader_LiveMaster(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(masterPlaylist))
	})
	mux.HandleFunc("/lo/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(livePlaylist(0, 4)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, err := NewManifestLoader(srv.Client()).Load(context.Background(), srv.URL+"/master.m3u8")
	require.NoError(t, err)
	assert.True(t, m.Live)
	assert.Len(t, m.Renditions, 3)
	assert.False(t, m.FetchedAt.IsZero())
}

func TestManifestLoader_MissingManifestIsAssetGone(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := NewManifestLoader(srv.Client()).Load(context.Background(), srv.URL+"/gone.m3u8")
		srv.Close()
		require.ErrorIs(t, err, ErrAssetGone)
		var fe *FetchError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, status, fe.Status)
		assert.Equal(t, FatalFault, Classify(err))
	}
}

func TestManifestLoader_ServerErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewManifestLoader(srv.Client()).Load(context.Background(), srv.URL+"/master.m3u8")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FetchNetwork, fe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
	assert.Equal(t, NetworkFault, Classify(err))
}

func TestValidateSegment(t *testing.T) {
	assert.ErrorIs(t, validateSegment("http://x/a.ts", nil), errEmptySegment)
	assert.ErrorIs(t, validateSegment("http://x/a.ts?token=1", []byte("junk")), errTSSync)
	assert.NoError(t, validateSegment("http://x/a.ts", []byte{0x47, 0, 0}))
	assert.ErrorIs(t, validateSegment("http://x/a.m4s", []byte{1, 2}), errShortFMP4)
	assert.NoError(t, validateSegment("http://x/a.aac", []byte{1}))
}
