package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kptv-restream/work/config"
	"kptv-restream/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(timeout time.Duration) *Fetcher {
	return NewFetcher(NewHeaderSettingClient(RequestProfile{UserAgent: "test-agent"}), timeout, 0)
}

func TestFetcher_GetSetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "custom", r.Header.Get("User-Agent"))
		assert.Equal(t, "http://origin", r.Header.Get("Origin"))
		assert.Equal(t, "http://ref", r.Header.Get("Referer"))
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	f := newTestFetcher(time.Second).ForProfile(RequestProfile{UserAgent: "custom", Origin: "http://origin", Referrer: "http://ref"}, 100)

	body, err := f.Get(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(body))
}

func TestFetcher_ForSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent") + "|" + r.Header.Get("Referer")))
	}))
	defer srv.Close()

	base := newTestFetcher(time.Second)
	assert.Same(t, base, base.ForSource(nil))

	src := &config.SourceConfig{Name: "tv", UserAgent: "TiviMate/4.7", ReqReferrer: "http://portal/"}
	body, err := base.ForSource(src).Get(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, "TiviMate/4.7|http://portal/", string(body))
}

func TestFetcher_Non2xxIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(time.Second).Get(context.Background(), srv.URL, 0)

	var fe *types.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.True(t, errors.Is(err, types.ErrFetch))
}

func TestFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestFetcher(time.Second).Get(context.Background(), srv.URL, 50*time.Millisecond)

	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrFetch))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetcher_RejectsNonHTTP(t *testing.T) {
	_, err := newTestFetcher(time.Second).Get(context.Background(), "file:///etc/passwd", 0)
	assert.True(t, errors.Is(err, types.ErrFetch))
}

func TestFetcher_OpenStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("segment"))
	}))
	defer srv.Close()

	resp, err := newTestFetcher(time.Second).Open(context.Background(), srv.URL+"/a.ts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
}

func TestCustomResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	crw := NewCustomResponseWriter(rec)

	_, err := crw.Write([]byte("x"))
	require.NoError(t, err)
	crw.WriteHeader(http.StatusTeapot)
	crw.Flush()

	assert.Equal(t, http.StatusOK, crw.StatusCode())
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)
}
