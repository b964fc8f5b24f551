//go:build unix

package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"kptv-restream/work/client"
	"kptv-restream/work/restream"
	"kptv-restream/work/transcoder"
	"kptv-restream/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptStarter struct {
	script string
}

func (s scriptStarter) Stream(ctx context.Context, sourceURL string, profile client.RequestProfile, spec types.OutputSpec) (*transcoder.Process, error) {
	return transcoder.Start("/bin/sh", []string{"-c", s.script}, 100*time.Millisecond, true)
}

func withAudio(f *fixture, script string) {
	f.app.Streamer = restream.NewStreamer(scriptStarter{script: script}, nil, restream.StreamerOptions{
		StartupTimeout: 300 * time.Millisecond,
		ChunkTimeout:   300 * time.Millisecond,
	})
	f.router = NewRouter(f.app)
}

func TestAudio_Streams(t *testing.T) {
	f := newFixture(t)
	withAudio(f, "printf 'ID3-audio-frames'")

	rec := f.do(t, http.MethodGet, "/media/tv/0/audio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "ID3-audio-frames", rec.Body.String())
}

func TestAudio_SilentTranscoderTimesOut(t *testing.T) {
	f := newFixture(t)
	withAudio(f, "sleep 30")

	start := time.Now()
	rec := f.do(t, http.MethodGet, "/media/tv/0/audio", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestAudio_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	withAudio(f, "true")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/media/tv/7/audio", nil).Code)
}
