package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"kptv-restream/work/artifact"
	"kptv-restream/work/cache"
	"kptv-restream/work/client"
	"kptv-restream/work/config"
	"kptv-restream/work/logger"
	"kptv-restream/work/restream"
	"kptv-restream/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetLogLevel("ERROR")
}

const artifactBody = "0123456789"

type stubLoader struct {
	mu       sync.Mutex
	channels map[string][]types.ChannelRecord
	err      error
}

func (l *stubLoader) Load(ctx context.Context, src *config.SourceConfig) ([]types.ChannelRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channels[src.Name], l.err
}

type stubProducer struct {
	mu  sync.Mutex
	err error
}

func (p *stubProducer) Run(ctx context.Context, sourceURL string, profile client.RequestProfile, spec types.OutputSpec, dir string) (string, error) {
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return "", err
	}

	if spec.Container == types.ContainerHLS {
		playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\nseg_000.ts\n#EXT-X-ENDLIST\n"
		if err := os.WriteFile(filepath.Join(dir, "seg_000.ts"), []byte("SEGMENT"), 0o644); err != nil {
			return "", err
		}
		path := filepath.Join(dir, "index.m3u8")
		return path, os.WriteFile(path, []byte(playlist), 0o644)
	}

	path := filepath.Join(dir, "output."+spec.Extension())
	return path, os.WriteFile(path, []byte(artifactBody), 0o644)
}

type fixture struct {
	app      *App
	router   http.Handler
	upstream *httptest.Server
	producer *stubProducer
	broken   *stubLoader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/guarded/") && r.Header.Get("User-Agent") != "TiviMate/4.7" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6,\nseg0.ts\n")
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Write([]byte("UPSTREAM-TS"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	fetcher := client.NewFetcher(client.NewHeaderSettingClient(client.RequestProfile{}), 2*time.Second, 0)

	good := &stubLoader{channels: map[string][]types.ChannelRecord{
		"tv": {
			{Title: "Clip", SourceURL: "http://upstream.invalid/clip.mp4"},
			{Title: "Live", SourceURL: upstream.URL + "/live/index.m3u8"},
		},
		"portal": {
			{Title: "Guarded", SourceURL: upstream.URL + "/guarded/index.m3u8"},
		},
	}}
	broken := &stubLoader{err: &types.FetchError{URL: "http://down.invalid/list.m3u", Status: 503}}

	sources := []config.SourceConfig{
		{Name: "tv", Kind: types.SourceKindM3U, URL: "http://upstream.invalid/tv.m3u"},
		{Name: "down", Kind: types.SourceKindYouTube},
		{Name: "portal", Kind: types.SourceKindM3U, URL: "http://upstream.invalid/portal.m3u", UserAgent: "TiviMate/4.7"},
	}
	c := cache.NewPlaylistCache(sources, map[types.SourceKind]cache.Loader{
		types.SourceKindM3U:     good,
		types.SourceKindYouTube: broken,
	}, cache.Options{TTL: time.Hour})

	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	variants := config.DefaultVariants()
	variants["hls360"] = types.OutputSpec{Container: types.ContainerHLS, VideoScale: "-2:360"}

	producer := &stubProducer{}
	store := artifact.NewStore(producer, pool, artifact.Options{
		ScratchDir: t.TempDir(),
		Variants:   variants,
	})
	t.Cleanup(store.Close)

	streamer := restream.NewStreamer(nil, fetcher, restream.StreamerOptions{
		StartupTimeout: time.Second,
		ChunkTimeout:   time.Second,
	})

	app := &App{
		Config:   &config.Config{},
		Cache:    c,
		Store:    store,
		Streamer: streamer,
		HLS:      restream.NewHLSProxy(fetcher, streamer),
	}
	return &fixture{app: app, router: NewRouter(app), upstream: upstream, producer: producer, broken: broken}
}

func (f *fixture) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func rangeHeader(v string) http.Header {
	return http.Header{"Range": []string{v}}
}

func TestMedia_FullBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/media/tv/0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, artifactBody, rec.Body.String())
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
}

func TestMedia_Range(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/media/tv/0", rangeHeader("bytes=2-5"))
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))

	rec = f.do(t, http.MethodGet, "/media/tv/0", rangeHeader("bytes=-3"))
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "789", rec.Body.String())
}

func TestMedia_RangeErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/media/tv/0", rangeHeader("bytes=50-60"))
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))

	rec = f.do(t, http.MethodGet, "/media/tv/0", rangeHeader("bytes=0-1,4-5"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMedia_Head(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodHead, "/media/tv/0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())
}

func TestMedia_NotFound(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/media/tv/9", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/media/nope/0", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/media/tv/0?variant=8k", nil).Code)
}

func TestMedia_ProductionFailure(t *testing.T) {
	f := newFixture(t)

	f.producer.mu.Lock()
	f.producer.err = errors.New("ffmpeg exited: exit status 1")
	f.producer.mu.Unlock()
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/media/tv/0", nil).Code)

	f2 := newFixture(t)
	f2.producer.mu.Lock()
	f2.producer.err = &types.FetchError{URL: "http://upstream.invalid/clip.mp4", Status: 404}
	f2.producer.mu.Unlock()
	assert.Equal(t, http.StatusBadGateway, f2.do(t, http.MethodGet, "/media/tv/0", nil).Code)
}

func TestMedia_HLSVariantRedirects(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/media/tv/0?variant=hls360", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hls/tv/0/hls360/playlist.m3u8", rec.Header().Get("Location"))

	// upstream HLS channels go through the segment proxy instead
	rec = f.do(t, http.MethodGet, "/media/tv/1?variant=hls144", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hls/tv/1/playlist.m3u8", rec.Header().Get("Location"))
}

func TestHLS_UpstreamPlaylistIsRewritten(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/hls/tv/1/playlist.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))

	want := restream.SourcePrefix("tv") + url.PathEscape(f.upstream.URL+"/live/seg0.ts")
	assert.Contains(t, rec.Body.String(), want)
}

func TestHLS_LocalArtifact(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/hls/tv/0/hls144/seg_000.ts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/hls/tv/0/playlist.m3u8", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/hls/tv/0/hls144/playlist.m3u8", rec.Header().Get("Location"))

	rec = f.do(t, http.MethodGet, "/hls/tv/0/hls144/playlist.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "seg_000.ts")

	rec = f.do(t, http.MethodGet, "/hls/tv/0/hls144/seg_000.ts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SEGMENT", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))

	rec = f.do(t, http.MethodGet, "/hls/tv/0/hls144/seg_999.ts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/hls/tv/0/hls144/..%2Fsecret", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/hls/tv/0/full/playlist.m3u8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHLS_NonDefaultVariantSegmentsResolve(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/hls/tv/0/playlist.m3u8?variant=hls360", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	playlistPath := rec.Header().Get("Location")
	assert.Equal(t, "/hls/tv/0/hls360/playlist.m3u8", playlistPath)

	rec = f.do(t, http.MethodGet, playlistPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// resolve the segment the way a player does, relative to the playlist
	base, err := url.Parse(playlistPath)
	require.NoError(t, err)
	seg, err := base.Parse("seg_000.ts")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, seg.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SEGMENT", rec.Body.String())
	assert.Equal(t, types.ArtifactAbsent, f.app.Store.State(types.ArtifactKey{Source: "tv", Index: 0, Variant: types.VariantHLS}).Status)
}

func TestHLS_SourceHeadersReachUpstream(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/hls/portal/0/playlist.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	segment := restream.SourcePrefix("portal") + url.PathEscape(f.upstream.URL+"/guarded/seg0.ts")
	assert.Contains(t, rec.Body.String(), segment)

	rec = f.do(t, http.MethodGet, segment, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "UPSTREAM-TS", rec.Body.String())

	// the same URL under a source without the agent is refused upstream
	rec = f.do(t, http.MethodGet, restream.SourcePrefix("tv")+url.PathEscape(f.upstream.URL+"/guarded/seg0.ts"), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxySegment(t *testing.T) {
	f := newFixture(t)

	target := restream.SourcePrefix("tv") + url.PathEscape(f.upstream.URL+"/live/seg0.ts")
	rec := f.do(t, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "UPSTREAM-TS", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodOptions, target, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, restream.SourcePrefix("tv")+url.PathEscape(f.upstream.URL+"/missing"), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = f.do(t, http.MethodGet, restream.SourcePrefix("tv")+url.PathEscape("file:///etc/passwd"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, restream.SourcePrefix("nope")+url.PathEscape(f.upstream.URL+"/live/seg0.ts"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Sources(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []cache.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 3)
	assert.Equal(t, "tv", out[0].Source)
	assert.Equal(t, "down", out[1].Source)
}

func TestAPI_Channels(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sources/tv/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out channelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Channels, 2)
	assert.Equal(t, 1, out.Channels[1].Index)
	assert.Equal(t, "Live", out.Channels[1].Title)
	assert.Empty(t, out.Error)
}

func TestAPI_ChannelsEmptyOnUpstreamFailure(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sources/down/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out channelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out.Channels)
	assert.NotNil(t, out.Channels)
	assert.Contains(t, out.Error, "503")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sources/nope/channels", nil).Code)
}

func TestStatusFor(t *testing.T) {
	key := types.ArtifactKey{Source: "tv", Index: 0, Variant: "full"}
	cases := []struct {
		err  error
		want int
	}{
		{&types.NotFoundError{What: "source", ID: "x"}, http.StatusNotFound},
		{&types.RangeError{Header: "bytes=9-", Size: 5}, http.StatusRequestedRangeNotSatisfiable},
		{&types.RangeError{Header: "bytes=a", Malformed: true}, http.StatusBadRequest},
		{&types.FetchError{URL: "u", Status: 500}, http.StatusBadGateway},
		{&types.ProductionError{Key: key, Err: errors.New("exit status 1")}, http.StatusInternalServerError},
		{&types.ProductionError{Key: key, Err: &types.FetchError{URL: "u"}}, http.StatusBadGateway},
		{&types.ProductionError{Key: key, Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{fmt.Errorf("wait: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: no output", restream.ErrIdle), http.StatusGatewayTimeout},
		{&types.ParseError{Reason: "no header"}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
