package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

// maxPlaylistBytes bounds a single playlist download.
const maxPlaylistBytes = 4 << 20

// Rendition is one encoded variant of the asset.
type Rendition struct {
	Index     int
	Height    int
	Bandwidth int64 // bits per second
	URI       string
	Label     string
}

// Manifest describes an asset's rendition ladder, sorted by ascending bandwidth.
// A Manifest is never mutated after parsing; live refreshes replace it.
type Manifest struct {
	URL        string
	Renditions []Rendition
	Live       bool
	FetchedAt  time.Time
}

// Rendition returns the rendition at index i.
func (m *Manifest) Rendition(i int) (Rendition, bool) {
	if m == nil || i < 0 || i >= len(m.Renditions) {
		return Rendition{}, false
	}
	return m.Renditions[i], true
}

// IndexOf resolves a rendition label such as "720p" to its ladder index, or -1.
func (m *Manifest) IndexOf(label string) int {
	if m == nil {
		return -1
	}
	for _, r := range m.Renditions {
		if strings.EqualFold(r.Label, label) {
			return r.Index
		}
	}
	return -1
}

// Segment is one media segment of a media playlist.
type Segment struct {
	Seq      uint64
	URI      string
	Duration time.Duration
}

// MediaPlaylist is a parsed rendition playlist.
type MediaPlaylist struct {
	SeqNo          uint64
	TargetDuration time.Duration
	Segments       []Segment
	Closed         bool // #EXT-X-ENDLIST seen; the asset is not live
}

// Segment returns the segment with media sequence seq.
func (p *MediaPlaylist) Segment(seq uint64) (Segment, bool) {
	if seq < p.SeqNo {
		return Segment{}, false
	}
	i := seq - p.SeqNo
	if i >= uint64(len(p.Segments)) {
		return Segment{}, false
	}
	return p.Segments[i], true
}

// LastSeq returns the sequence number of the newest segment.
func (p *MediaPlaylist) LastSeq() uint64 {
	if len(p.Segments) == 0 {
		return p.SeqNo
	}
	return p.Segments[len(p.Segments)-1].Seq
}

// ManifestSource loads manifests. Implemented over HTTP by ManifestLoader.
type ManifestSource interface {
	Load(ctx context.Context, manifestURL string) (*Manifest, error)
}

// ManifestLoader fetches and parses HLS playlists over HTTP.
type ManifestLoader struct {
	client *http.Client
	now    func() time.Time
}

// NewManifestLoader returns a loader using client, or http.DefaultClient when nil.
func NewManifestLoader(client *http.Client) *ManifestLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &ManifestLoader{client: client, now: time.Now}
}

// Load fetches manifestURL. A master playlist yields its variant ladder; liveness is
// read from the lowest rendition's media playlist. A bare media playlist yields a
// single rendition.
func (l *ManifestLoader) Load(ctx context.Context, manifestURL string) (*Manifest, error) {
	body, err := getPlaylist(ctx, l.client, manifestURL)
	if err != nil {
		return nil, goneIfMissing(err)
	}
	m, media, err := ParseManifest(manifestURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	m.FetchedAt = l.now()
	if media != nil {
		m.Live = !media.Closed
		return m, nil
	}
	lowest, err := LoadMediaPlaylist(ctx, l.client, m.Renditions[0].URI)
	if err != nil {
		return nil, err
	}
	m.Live = !lowest.Closed
	return m, nil
}

// ParseManifest decodes a master or media playlist. For a media playlist the parsed
// playlist is returned too so the caller does not need a second request.
func ParseManifest(base string, r io.Reader) (*Manifest, *MediaPlaylist, error) {
	pl, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, nil, &FetchError{Kind: FetchParse, URL: base, Err: err}
	}
	m := &Manifest{URL: base}
	switch listType {
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			uri, err := resolveURI(base, v.URI)
			if err != nil {
				return nil, nil, &FetchError{Kind: FetchParse, URL: base, Err: err}
			}
			m.Renditions = append(m.Renditions, Rendition{
				Height:    heightOf(v.Resolution),
				Bandwidth: int64(v.Bandwidth),
				URI:       uri,
			})
		}
		if len(m.Renditions) == 0 {
			return nil, nil, ErrNoRenditions
		}
		sort.SliceStable(m.Renditions, func(i, j int) bool {
			return m.Renditions[i].Bandwidth < m.Renditions[j].Bandwidth
		})
		for i := range m.Renditions {
			m.Renditions[i].Index = i
			m.Renditions[i].Label = labelOf(m.Renditions[i])
		}
		return m, nil, nil
	case m3u8.MEDIA:
		media, err := mediaFromDecoded(base, pl.(*m3u8.MediaPlaylist))
		if err != nil {
			return nil, nil, err
		}
		m.Renditions = []Rendition{{Index: 0, URI: base, Label: "source"}}
		return m, media, nil
	default:
		return nil, nil, &FetchError{Kind: FetchParse, URL: base, Err: fmt.Errorf("unknown playlist type %v", listType)}
	}
}

// ParseMediaPlaylist decodes a rendition playlist and resolves segment URIs against base.
func ParseMediaPlaylist(base string, r io.Reader) (*MediaPlaylist, error) {
	pl, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, &FetchError{Kind: FetchParse, URL: base, Err: err}
	}
	if listType != m3u8.MEDIA {
		return nil, &FetchError{Kind: FetchParse, URL: base, Err: fmt.Errorf("expected media playlist")}
	}
	return mediaFromDecoded(base, pl.(*m3u8.MediaPlaylist))
}

// LoadMediaPlaylist fetches and parses a rendition playlist.
func LoadMediaPlaylist(ctx context.Context, client *http.Client, playlistURL string) (*MediaPlaylist, error) {
	body, err := getPlaylist(ctx, client, playlistURL)
	if err != nil {
		return nil, err
	}
	return ParseMediaPlaylist(playlistURL, bytes.NewReader(body))
}

func mediaFromDecoded(base string, pl *m3u8.MediaPlaylist) (*MediaPlaylist, error) {
	out := &MediaPlaylist{
		SeqNo:          pl.SeqNo,
		TargetDuration: seconds(pl.TargetDuration),
		Closed:         pl.Closed,
	}
	seq := pl.SeqNo
	for _, s := range pl.Segments {
		if s == nil {
			continue
		}
		uri, err := resolveURI(base, s.URI)
		if err != nil {
			return nil, &FetchError{Kind: FetchParse, URL: base, Err: err}
		}
		out.Segments = append(out.Segments, Segment{Seq: seq, URI: uri, Duration: seconds(s.Duration)})
		seq++
	}
	if out.TargetDuration <= 0 {
		out.TargetDuration = 2 * time.Second
	}
	return out, nil
}

// goneIfMissing marks a 404 or 410 on the manifest itself as ErrAssetGone. The
// FetchError is kept so callers still see the URL and status.
func goneIfMissing(err error) error {
	var fe *FetchError
	if errors.As(err, &fe) && (fe.Status == http.StatusNotFound || fe.Status == http.StatusGone) {
		return &FetchError{Kind: fe.Kind, URL: fe.URL, Status: fe.Status, Err: ErrAssetGone}
	}
	return err
}

func getPlaylist(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	body, _, err := get(ctx, client, rawURL, maxPlaylistBytes)
	return body, err
}

// get performs a GET and classifies failures into FetchError kinds.
func get(ctx context.Context, client *http.Client, rawURL string, limit int64) ([]byte, time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, &FetchError{Kind: FetchParse, URL: rawURL, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, transportError(ctx, rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, 0, &FetchError{Kind: FetchNetwork, URL: rawURL, Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, 0, transportError(ctx, rawURL, err)
	}
	return body, time.Since(start), nil
}

func transportError(ctx context.Context, rawURL string, err error) *FetchError {
	if ctx.Err() != nil {
		return &FetchError{Kind: FetchAborted, URL: rawURL, Err: ctx.Err()}
	}
	return &FetchError{Kind: FetchNetwork, URL: rawURL, Err: err}
}

func resolveURI(base, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// heightOf reads the height from an EXT-X-STREAM-INF RESOLUTION such as "1280x720".
func heightOf(resolution string) int {
	_, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0
	}
	return n
}

func labelOf(r Rendition) string {
	if r.Height > 0 {
		return fmt.Sprintf("%dp", r.Height)
	}
	return fmt.Sprintf("%dk", r.Bandwidth/1000)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
