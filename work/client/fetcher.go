package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"kptv-restream/work/config"
	"kptv-restream/work/logger"
	"kptv-restream/work/types"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// maxBodySize caps bodies read fully into memory (playlists).
const maxBodySize = 32 << 20

// Fetcher performs upstream GETs with a timeout ceiling and a per-host rate
// limit. Copies made by ForProfile share the limiter table and transport.
type Fetcher struct {
	client   *HeaderSettingClient
	limiters *xsync.MapOf[string, ratelimit.Limiter]
	rps      int
	timeout  time.Duration
}

// NewFetcher creates a fetcher. rps <= 0 disables rate limiting.
func NewFetcher(hsc *HeaderSettingClient, timeout time.Duration, rps int) *Fetcher {
	return &Fetcher{
		client:   hsc,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
		rps:      rps,
		timeout:  timeout,
	}
}

// ForProfile returns a fetcher sending the given headers at the given rate.
func (f *Fetcher) ForProfile(profile RequestProfile, rps int) *Fetcher {
	return &Fetcher{
		client:   f.client.WithProfile(profile),
		limiters: f.limiters,
		rps:      rps,
		timeout:  f.timeout,
	}
}

// ForSource returns a fetcher sending the headers and rate limit configured
// for src, or f itself when src is nil.
func (f *Fetcher) ForSource(src *config.SourceConfig) *Fetcher {
	if src == nil {
		return f
	}
	return f.ForProfile(ProfileFor(src), src.RequestsPerSecond)
}

// Get fetches rawURL fully into memory within timeout (the fetcher default
// when zero). Non-2xx answers, transport errors and timeouts are FetchErrors.
func (f *Fetcher) Get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := f.open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Err: readErr(ctx, err)}
	}
	return body, nil
}

// Open starts a GET and returns the response once headers arrived. The body
// stays bound to ctx; the caller must close it.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (*http.Response, error) {
	return f.open(ctx, rawURL)
}

func (f *Fetcher) open(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &types.FetchError{URL: rawURL, Err: fmt.Errorf("unsupported url")}
	}

	f.wait(u.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		logger.Debug("{client/fetcher - open} Request failed for %s: %v", u.Host, err)
		return nil, &types.FetchError{URL: rawURL, Err: readErr(ctx, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain a little so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &types.FetchError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	return resp, nil
}

// wait blocks on the host's limiter.
func (f *Fetcher) wait(host string) {
	if f.rps <= 0 {
		return
	}
	limiter, _ := f.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(f.rps)
	})
	limiter.Take()
}

// readErr prefers the context error so timeouts match context.DeadlineExceeded.
func readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
