package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"kptv-restream/work/artifact"
	"kptv-restream/work/cache"
	"kptv-restream/work/client"
	"kptv-restream/work/config"
	"kptv-restream/work/logger"
	"kptv-restream/work/metrics"
	"kptv-restream/work/middleware"
	"kptv-restream/work/rangeserve"
	"kptv-restream/work/restream"
	"kptv-restream/work/types"
	"kptv-restream/work/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App bundles what the HTTP handlers need.
type App struct {
	Config   *config.Config
	Cache    *cache.PlaylistCache
	Store    *artifact.Store
	Streamer *restream.Streamer
	HLS      *restream.HLSProxy
}

// NewRouter registers every route of the proxy.
func NewRouter(app *App) *mux.Router {
	router := mux.NewRouter()
	// proxied URLs travel escaped inside one path segment
	router.UseEncodedPath()

	router.HandleFunc("/media/{source}/{index:[0-9]+}", HandleMedia(app)).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/media/{source}/{index:[0-9]+}/audio", HandleAudio(app)).Methods(http.MethodGet)

	hls := router.PathPrefix("/hls").Subrouter()
	hls.Use(mux.MiddlewareFunc(middleware.CORS))
	hls.HandleFunc("/{source}/{index:[0-9]+}/playlist.m3u8", HandleHLSPlaylist(app)).Methods(http.MethodGet, http.MethodOptions)
	// local artifacts keep the variant in the path so relative segment URIs resolve
	hls.HandleFunc("/{source}/{index:[0-9]+}/{variant}/playlist.m3u8", HandleHLSArtifactPlaylist(app)).Methods(http.MethodGet, http.MethodOptions)
	hls.HandleFunc("/{source}/{index:[0-9]+}/{variant}/{file}", HandleHLSFile(app)).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)

	segments := router.PathPrefix(strings.TrimSuffix(restream.SegmentPrefix, "/")).Subrouter()
	segments.Use(mux.MiddlewareFunc(middleware.CORS))
	segments.HandleFunc("/{source}/{encodedURL:.+}", HandleProxySegment(app)).Methods(http.MethodGet, http.MethodOptions)

	router.HandleFunc("/api/sources", middleware.GzipMiddleware(HandleSources(app))).Methods(http.MethodGet)
	router.HandleFunc("/api/sources/{source}/channels", middleware.GzipMiddleware(HandleChannels(app))).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

// HandleMedia serves a materialized artifact, producing it first when
// needed. Range requests are honored.
func HandleMedia(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, index, ok := channelVars(w, r)
		if !ok {
			return
		}

		variant := r.URL.Query().Get("variant")
		if variant == "" {
			variant = types.DefaultFormat
		}
		spec, ok := app.Store.Spec(variant)
		if !ok {
			writeError(w, r, &types.NotFoundError{What: "variant", ID: variant})
			return
		}

		record, err := app.Cache.Channel(r.Context(), source, index)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if spec.Container == types.ContainerHLS {
			target := hlsArtifactPath(source, index, variant)
			if utils.IsPlaylist(record.SourceURL, "") {
				target = fmt.Sprintf("/hls/%s/%d/playlist.m3u8", url.PathEscape(source), index)
			}
			http.Redirect(w, r, target, http.StatusFound)
			return
		}

		key := types.ArtifactKey{Source: source, Index: index, Variant: variant}
		resp, err := openArtifact(r.Context(), app.Store, key, record.SourceURL, "", r.Header.Get("Range"), spec.ContentType())
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer resp.Close()

		if r.Method == http.MethodHead {
			resp.WriteHeader(w)
			return
		}

		n, err := resp.WriteTo(w)
		metrics.BytesTransferred.WithLabelValues("artifact").Add(float64(n))
		if err != nil {
			logger.Debug("{handlers/handlers - HandleMedia} Client left %s after %d bytes: %v", key, n, err)
		}
	}
}

// openArtifact ensures key is Ready and opens file inside it (the artifact
// itself when file is empty). A sweep can evict the artifact between the
// two steps, in which case it is produced again once.
func openArtifact(ctx context.Context, store *artifact.Store, key types.ArtifactKey, sourceURL, file, rangeHeader, contentType string) (*rangeserve.Response, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		st, err := store.EnsureArtifact(ctx, key, sourceURL)
		if err != nil {
			return nil, err
		}

		path := st.Path
		if file != "" {
			path = filepath.Join(st.Dir, file)
		}

		resp, err := rangeserve.Open(path, rangeHeader, contentType)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, types.ErrNotFound) || file != "" {
			return nil, err
		}
		lastErr = err
		logger.Debug("{handlers/handlers - openArtifact} %s vanished before it could be opened, retrying", key)
	}
	return nil, lastErr
}

// HandleAudio streams an audio-only transcode of a channel.
func HandleAudio(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, index, ok := channelVars(w, r)
		if !ok {
			return
		}

		record, err := app.Cache.Channel(r.Context(), source, index)
		if err != nil {
			writeError(w, r, err)
			return
		}
		src, _ := app.Cache.Source(source)

		session, err := app.Streamer.Audio(r.Context(), src, record.SourceURL)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer session.Close()

		// hold the headers back until the transcoder produced something
		first, err := session.Next(r.Context())
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, err)
			return
		}

		crw := client.NewCustomResponseWriter(w)
		crw.Header().Set("Content-Type", "audio/mpeg")
		crw.WriteHeader(http.StatusOK)
		if first == nil {
			return
		}

		n, werr := crw.Write(first.B)
		session.Release(first)
		metrics.BytesTransferred.WithLabelValues(restream.KindAudio).Add(float64(n))
		if werr != nil {
			return
		}
		crw.Flush()

		rest, err := session.Pump(r.Context(), crw)
		if err != nil && r.Context().Err() == nil {
			logger.Warn("{handlers/handlers - HandleAudio} Audio stream of %s/%d ended after %d bytes: %v",
				source, index, int64(n)+rest, err)
		}
	}
}

// HandleHLSPlaylist serves the upstream playlist rewritten for the segment
// proxy. A channel that is not an HLS stream itself is redirected to the
// playlist of its locally produced HLS artifact.
func HandleHLSPlaylist(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, index, ok := channelVars(w, r)
		if !ok {
			return
		}

		record, err := app.Cache.Channel(r.Context(), source, index)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if !utils.IsPlaylist(record.SourceURL, "") {
			key, ok := hlsKey(w, r, app, source, index, r.URL.Query().Get("variant"))
			if !ok {
				return
			}
			http.Redirect(w, r, hlsArtifactPath(source, index, key.Variant), http.StatusFound)
			return
		}

		src, _ := app.Cache.Source(source)
		body, err := app.HLS.Playlist(r.Context(), src, record.SourceURL)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}
}

// HandleHLSArtifactPlaylist serves the playlist of a local HLS artifact,
// producing it first when needed.
func HandleHLSArtifactPlaylist(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, index, ok := channelVars(w, r)
		if !ok {
			return
		}

		key, ok := hlsKey(w, r, app, source, index, pathVar(r, "variant"))
		if !ok {
			return
		}

		record, err := app.Cache.Channel(r.Context(), source, index)
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp, err := openArtifact(r.Context(), app.Store, key, record.SourceURL, "", r.Header.Get("Range"), "application/vnd.apple.mpegurl")
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer resp.Close()
		resp.WriteTo(w)
	}
}

// HandleHLSFile serves a file (segment) from a local HLS artifact.
func HandleHLSFile(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, index, ok := channelVars(w, r)
		if !ok {
			return
		}

		file, err := url.PathUnescape(mux.Vars(r)["file"])
		if err != nil || file != filepath.Base(file) || strings.HasPrefix(file, ".") {
			http.Error(w, "Invalid file name", http.StatusBadRequest)
			return
		}

		key, ok := hlsKey(w, r, app, source, index, pathVar(r, "variant"))
		if !ok {
			return
		}

		st := app.Store.State(key)
		if st.Status != types.ArtifactReady {
			writeError(w, r, &types.NotFoundError{What: "hls artifact", ID: key.String()})
			return
		}

		resp, err := rangeserve.Open(filepath.Join(st.Dir, file), r.Header.Get("Range"), utils.ContentTypeFor(file))
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer resp.Close()

		if r.Method == http.MethodHead {
			resp.WriteHeader(w)
			return
		}
		n, _ := resp.WriteTo(w)
		metrics.BytesTransferred.WithLabelValues("hls").Add(float64(n))
	}
}

// hlsKey checks that variant (hls144 when empty) is an HLS variant.
func hlsKey(w http.ResponseWriter, r *http.Request, app *App, source string, index int, variant string) (types.ArtifactKey, bool) {
	if variant == "" {
		variant = types.VariantHLS
	}
	spec, ok := app.Store.Spec(variant)
	if !ok || spec.Container != types.ContainerHLS {
		writeError(w, r, &types.NotFoundError{What: "hls variant", ID: variant})
		return types.ArtifactKey{}, false
	}
	return types.ArtifactKey{Source: source, Index: index, Variant: variant}, true
}

func hlsArtifactPath(source string, index int, variant string) string {
	return fmt.Sprintf("/hls/%s/%d/%s/playlist.m3u8", url.PathEscape(source), index, url.PathEscape(variant))
}

// HandleProxySegment proxies one upstream segment or nested playlist with
// the headers of the source it was listed under.
func HandleProxySegment(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, err := url.PathUnescape(mux.Vars(r)["encodedURL"])
		if err != nil {
			http.Error(w, "Invalid encoded URL", http.StatusBadRequest)
			return
		}

		source := pathVar(r, "source")
		src, ok := app.Cache.Source(source)
		if !ok {
			writeError(w, r, &types.NotFoundError{What: "source", ID: source})
			return
		}

		crw := client.NewCustomResponseWriter(w)
		n, err := app.HLS.Segment(r.Context(), crw, src, target)
		if err == nil {
			return
		}
		if crw.StatusCode() == 0 {
			writeError(w, r, err)
			return
		}
		if r.Context().Err() == nil {
			logger.Debug("{handlers/handlers - HandleProxySegment} Segment %s cut after %d bytes: %v",
				utils.LogURL(app.Config, target), n, err)
		}
	}
}

type channelEntry struct {
	Index int `json:"index"`
	types.ChannelRecord
}

type channelsResponse struct {
	Source   string         `json:"source"`
	Channels []channelEntry `json:"channels"`
	Error    string         `json:"error,omitempty"`
}

// HandleSources lists the configured sources with their cache status.
func HandleSources(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := app.Cache.Sources()
		out := make([]cache.Status, 0, len(names))
		for _, name := range names {
			if st, ok := app.Cache.Status(name); ok {
				out = append(out, st)
			}
		}
		writeJSON(w, out)
	}
}

// HandleChannels lists the channels of a source. An upstream failure yields
// an empty list with the error attached, never an error status.
func HandleChannels(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := pathVar(r, "source")

		channels, err := app.Cache.GetChannels(r.Context(), source)
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, r, err)
			return
		}

		resp := channelsResponse{Source: source, Channels: make([]channelEntry, 0, len(channels))}
		if err != nil {
			resp.Error = err.Error()
		}
		for i, ch := range channels {
			if app.Config != nil && app.Config.ObfuscateUrls {
				ch.SourceURL = config.ObfuscateURL(ch.SourceURL)
			}
			resp.Channels = append(resp.Channels, channelEntry{Index: i, ChannelRecord: ch})
		}
		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} Failed to encode response: %v", err)
	}
}

// channelVars reads {source} and {index}, answering 404 for a bad index.
func channelVars(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	source := pathVar(r, "source")
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || index < 0 {
		writeError(w, r, &types.NotFoundError{What: "channel", ID: mux.Vars(r)["index"]})
		return "", 0, false
	}
	return source, index, true
}

// pathVar returns an unescaped route variable; the router keeps them
// encoded.
func pathVar(r *http.Request, name string) string {
	raw := mux.Vars(r)[name]
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// writeError answers with the status matching err and logs server-side
// failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.Warn("{handlers/handlers - writeError} %s %s: %d %v", r.Method, r.URL.Path, status, err)
	} else {
		logger.Debug("{handlers/handlers - writeError} %s %s: %d %v", r.Method, r.URL.Path, status, err)
	}

	if errors.Is(err, types.ErrRange) {
		rangeserve.WriteRangeError(w, err)
	}
	http.Error(w, http.StatusText(status), status)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var rangeErr *types.RangeError
	switch {
	case errors.As(err, &rangeErr):
		if rangeErr.Malformed {
			return http.StatusBadRequest
		}
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrProduction):
		if errors.Is(err, types.ErrFetch) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case errors.Is(err, types.ErrFetch):
		return http.StatusBadGateway
	case restream.IsIdle(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
