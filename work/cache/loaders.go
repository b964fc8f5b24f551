package cache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"kptv-restream/work/client"
	"kptv-restream/work/config"
	"kptv-restream/work/logger"
	"kptv-restream/work/parser"
	"kptv-restream/work/types"
)

// M3ULoader fetches and parses an extended-M3U playlist.
type M3ULoader struct {
	Fetcher *client.Fetcher
}

func (l *M3ULoader) Load(ctx context.Context, src *config.SourceConfig) ([]types.ChannelRecord, error) {
	body, err := l.Fetcher.ForSource(src).Get(ctx, src.URL, 0)
	if err != nil {
		return nil, err
	}
	return parser.ParsePlaylist(string(body))
}

// YouTubeLoader builds a channel list out of the latest upload of each
// configured channel page. Pages that fail to resolve are skipped. Lookups
// that miss the resolver cache are spaced by a random pause in
// [JitterMin, JitterMax).
type YouTubeLoader struct {
	Resolver  *Resolver
	JitterMin time.Duration
	JitterMax time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error
}

func (l *YouTubeLoader) Load(ctx context.Context, src *config.SourceConfig) ([]types.ChannelRecord, error) {
	channels := make([]types.ChannelRecord, 0, len(src.Channels))
	var lastErr error

	looked := false
	for _, page := range src.Channels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !l.Resolver.Cached(page.URL) {
			if looked {
				if err := l.pause(ctx); err != nil {
					return nil, err
				}
			}
			looked = true
		}

		v, err := l.Resolver.Latest(ctx, page.URL)
		if err != nil {
			lastErr = err
			logger.Warn("{cache/loaders - Load} Source %s: channel %s unavailable: %v", src.Name, page.Name, err)
			continue
		}

		channels = append(channels, types.ChannelRecord{
			Title:     page.Name,
			SourceURL: v.URL,
			LogoURL:   "https://i.ytimg.com/vi/" + v.ID + "/hqdefault.jpg",
			Group:     src.Name,
			TvgID:     v.ID,
		})
	}

	if len(channels) == 0 && lastErr != nil {
		return nil, &types.FetchError{URL: src.Name, Err: fmt.Errorf("all %d channels failed: %w", len(src.Channels), lastErr)}
	}
	return channels, nil
}

func (l *YouTubeLoader) pause(ctx context.Context) error {
	d := l.JitterMin
	if l.JitterMax > l.JitterMin {
		d += rand.N(l.JitterMax - l.JitterMin)
	}
	if d <= 0 {
		return nil
	}
	if l.Sleep != nil {
		return l.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}
