package cache

import (
	"context"
	"time"

	"kptv-restream/work/transcoder"

	"github.com/maypok86/otter/v2"
)

// VideoLookup finds the latest upload of a channel page.
type VideoLookup interface {
	LatestVideo(ctx context.Context, channelURL string) (transcoder.Video, error)
}

// Resolver caches channel page -> latest video lookups for ttl. Concurrent
// lookups of the same page share one call.
type Resolver struct {
	cache   *otter.Cache[string, transcoder.Video]
	lookup  VideoLookup
	timeout time.Duration
}

// NewResolver creates a resolver over lookup. Each lookup is bounded by timeout.
func NewResolver(lookup VideoLookup, ttl, timeout time.Duration) *Resolver {
	return &Resolver{
		cache: otter.Must(&otter.Options[string, transcoder.Video]{
			MaximumSize:      10_000,
			ExpiryCalculator: otter.ExpiryWriting[string, transcoder.Video](ttl),
		}),
		lookup:  lookup,
		timeout: timeout,
	}
}

// Latest returns the cached latest video of channelURL, looking it up when
// missing or expired. Failures are not cached.
func (r *Resolver) Latest(ctx context.Context, channelURL string) (transcoder.Video, error) {
	return r.cache.Get(ctx, channelURL, otter.LoaderFunc[string, transcoder.Video](
		func(ctx context.Context, key string) (transcoder.Video, error) {
			ctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return r.lookup.LatestVideo(ctx, key)
		},
	))
}

// Cached reports whether a lookup of channelURL is still cached.
func (r *Resolver) Cached(channelURL string) bool {
	_, ok := r.cache.GetIfPresent(channelURL)
	return ok
}
