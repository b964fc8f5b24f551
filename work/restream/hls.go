package restream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"kptv-restream/work/client"
	"kptv-restream/work/config"
	"kptv-restream/work/logger"
	"kptv-restream/work/metrics"
	"kptv-restream/work/middleware"
	"kptv-restream/work/types"
	"kptv-restream/work/utils"

	"github.com/grafov/m3u8"
)

// SegmentPrefix is the same-origin path segment URIs are rewritten to.
const SegmentPrefix = "/proxy-segment/"

// SourcePrefix returns the segment proxy prefix of a source. The source name
// travels with every proxied URL so segment fetches carry its headers.
func SourcePrefix(source string) string {
	return SegmentPrefix + url.PathEscape(source) + "/"
}

// maxPlaylistSize caps playlists read through the segment proxy.
const maxPlaylistSize = 8 << 20

/**
 * RewritePlaylist rewrites an HLS playlist so every URI line points back at
 * this server. Each URI is resolved against base (absolute, scheme-relative
 * and relative forms) and appended, path-escaped, to prefix.
 *
 * Playlist-type directives are replaced: a closed playlist (one carrying
 * #EXT-X-ENDLIST) is marked VOD, an open one carries no type so players treat
 * it as live. All other directives pass through unchanged.
 *
 * @param body raw playlist text
 * @param base URL the playlist was fetched from
 * @param prefix proxy path prefix, usually a SourcePrefix
 * @return rewritten playlist, or a ParseError when body is not a playlist
 */
func RewritePlaylist(body []byte, base *url.URL, prefix string) ([]byte, error) {
	text := strings.TrimPrefix(string(body), "\ufeff")
	if !strings.HasPrefix(strings.TrimSpace(text), "#EXTM3U") {
		return nil, &types.ParseError{Reason: "missing #EXTM3U header"}
	}

	vod := isClosedMediaPlaylist(body)

	var out bytes.Buffer
	out.Grow(len(body) + len(body)/2)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), maxPlaylistSize)

	headerDone := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			out.WriteByte('\n')
			continue

		case strings.HasPrefix(line, "#EXTM3U") && !headerDone:
			headerDone = true
			out.WriteString(line)
			out.WriteByte('\n')
			if vod {
				out.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
			}
			continue

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE"):
			continue

		case strings.HasPrefix(line, "#"):
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		proxied, err := ProxyURL(base, line, prefix)
		if err != nil {
			logger.Debug("{restream/hls - RewritePlaylist} Keeping unparseable URI %q: %v", line, err)
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		out.WriteString(proxied)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, &types.ParseError{Reason: err.Error()}
	}

	return out.Bytes(), nil
}

/**
 * ProxyURL resolves ref against base and returns the proxy path for it.
 *
 * @param base playlist URL, may be nil when ref is absolute
 * @param ref URI as written in the playlist
 * @param prefix proxy path prefix
 * @return proxy path with the absolute URL escaped as one path segment
 */
func ProxyURL(base *url.URL, ref, prefix string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("cannot resolve relative uri %q without a base", ref)
	}
	return prefix + url.PathEscape(u.String()), nil
}

// isClosedMediaPlaylist reports whether body is a media playlist carrying an
// end-of-list marker. grafov/m3u8 decides when it can parse the text; the raw
// marker is checked when it cannot.
func isClosedMediaPlaylist(body []byte) bool {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err == nil {
		if listType != m3u8.MEDIA {
			return false
		}
		if media, ok := playlist.(*m3u8.MediaPlaylist); ok {
			return media.Closed
		}
	}
	return bytes.Contains(body, []byte("#EXT-X-ENDLIST"))
}

// HLSProxy fetches upstream playlists and segments on behalf of players
// running on another origin, with the headers of the source they belong to.
type HLSProxy struct {
	fetcher  *client.Fetcher
	streamer *Streamer
}

// NewHLSProxy creates a proxy. Segment bodies are streamed through streamer
// sessions so they obey its idle timeouts.
func NewHLSProxy(fetcher *client.Fetcher, streamer *Streamer) *HLSProxy {
	return &HLSProxy{fetcher: fetcher, streamer: streamer}
}

/**
 * Playlist fetches an upstream playlist and rewrites it.
 *
 * @param ctx request context
 * @param src source the playlist belongs to
 * @param playlistURL absolute http(s) playlist URL
 * @return rewritten playlist text
 */
func (h *HLSProxy) Playlist(ctx context.Context, src *config.SourceConfig, playlistURL string) ([]byte, error) {
	base, err := parseUpstream(playlistURL)
	if err != nil {
		return nil, err
	}

	body, err := h.fetcher.ForSource(src).Get(ctx, playlistURL, 0)
	if err != nil {
		return nil, err
	}
	return RewritePlaylist(body, base, SourcePrefix(src.Name))
}

/**
 * Segment proxies one upstream resource to w. Playlists (by extension or
 * content type) are rewritten like Playlist; anything else is streamed
 * through unchanged. CORS headers are always set.
 *
 * @param ctx request context, its end tears the upstream connection down
 * @param w client response
 * @param src source the segment belongs to
 * @param rawURL absolute upstream URL
 * @return bytes written and the first error; errors after the headers went
 *         out can only be logged
 */
func (h *HLSProxy) Segment(ctx context.Context, w http.ResponseWriter, src *config.SourceConfig, rawURL string) (int64, error) {
	if _, err := parseUpstream(rawURL); err != nil {
		return 0, err
	}

	session, resp, err := h.streamer.Upstream(ctx, src, rawURL)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Debug("{restream/hls - Segment} Closing upstream: %v", cerr)
		}
	}()

	upstreamType := resp.Header.Get("Content-Type")
	if utils.IsPlaylist(rawURL, upstreamType) {
		return h.nestedPlaylist(w, resp, SourcePrefix(src.Name), rawURL)
	}

	// wait for the first chunk so a dead upstream still gets an error status
	first, err := session.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &types.FetchError{URL: rawURL, Err: err}
	}

	header := w.Header()
	middleware.SetCORSHeaders(header)
	header.Set("Content-Type", segmentContentType(rawURL, upstreamType))
	if resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	if first == nil {
		return 0, nil
	}
	n, werr := w.Write(first.B)
	session.Release(first)
	metrics.BytesTransferred.WithLabelValues(KindUpstream).Add(float64(n))
	if werr != nil {
		return int64(n), werr
	}

	rest, err := session.Pump(ctx, w)
	return int64(n) + rest, err
}

// nestedPlaylist rewrites a playlist reached through the segment proxy,
// resolving its URIs against the final (post-redirect) URL.
func (h *HLSProxy) nestedPlaylist(w http.ResponseWriter, resp *http.Response, prefix, rawURL string) (int64, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return 0, &types.FetchError{URL: rawURL, Err: err}
	}

	base := resp.Request.URL
	rewritten, err := RewritePlaylist(body, base, prefix)
	if err != nil {
		return 0, err
	}

	header := w.Header()
	middleware.SetCORSHeaders(header)
	header.Set("Content-Type", "application/vnd.apple.mpegurl")
	header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(http.StatusOK)

	n, err := w.Write(rewritten)
	return int64(n), err
}

// segmentContentType keeps a meaningful upstream type and otherwise guesses
// from the URL extension.
func segmentContentType(rawURL, upstream string) string {
	ct := strings.ToLower(strings.TrimSpace(upstream))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "", "application/octet-stream", "binary/octet-stream", "text/plain":
		return utils.ContentTypeFor(rawURL)
	}
	return upstream
}

// parseUpstream accepts absolute http and https URLs only.
func parseUpstream(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &types.NotFoundError{What: "upstream", ID: rawURL}
	}
	return u, nil
}

// IsIdle reports whether err came from a live session timing out.
func IsIdle(err error) bool {
	return errors.Is(err, ErrIdle)
}
