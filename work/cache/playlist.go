// Package cache holds the per-source channel lists served to clients.
package cache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"kptv-restream/work/config"
	"kptv-restream/work/filter"
	"kptv-restream/work/logger"
	"kptv-restream/work/metrics"
	"kptv-restream/work/types"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// Loader produces the raw channel list of one source.
type Loader interface {
	Load(ctx context.Context, src *config.SourceConfig) ([]types.ChannelRecord, error)
}

// Options tunes a PlaylistCache. Zero values take the defaults.
type Options struct {
	TTL       time.Duration
	JitterMin time.Duration // pause between sources in RefreshAll
	JitterMax time.Duration
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Status describes the health of one source's cached list.
type Status struct {
	Source      string           `json:"source"`
	Kind        types.SourceKind `json:"kind"`
	Channels    int              `json:"channels"`
	FetchedAt   time.Time        `json:"fetchedAt"`
	LastAttempt time.Time        `json:"lastAttempt"`
	LastError   string           `json:"lastError,omitempty"`
	Stale       bool             `json:"stale"`
}

type entry struct {
	channels  []types.ChannelRecord
	fetchedAt time.Time
}

type failure struct {
	err error
	at  time.Time
}

type slot struct {
	source      *config.SourceConfig
	entry       atomic.Pointer[entry]
	lastFailure atomic.Pointer[failure]
	lastAttempt atomic.Int64
}

// PlaylistCache keeps one channel list per configured source. Entries are
// replaced wholesale, so a reader sees either the previous or the new list.
// Concurrent refreshes of the same source share one load.
type PlaylistCache struct {
	slots   *xsync.MapOf[string, *slot]
	order   []string
	loaders map[types.SourceKind]Loader
	filters *filter.FilterManager
	group   singleflight.Group
	opts    Options
}

// NewPlaylistCache creates a cache over the given sources. loaders maps each
// source kind to the loader used for it.
func NewPlaylistCache(sources []config.SourceConfig, loaders map[types.SourceKind]Loader, opts Options) *PlaylistCache {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.JitterMax < opts.JitterMin {
		opts.JitterMax = opts.JitterMin
	}

	c := &PlaylistCache{
		slots:   xsync.NewMapOf[string, *slot](),
		order:   make([]string, 0, len(sources)),
		loaders: loaders,
		filters: filter.NewFilterManager(),
		opts:    opts,
	}

	for i := range sources {
		src := sources[i]
		c.slots.Store(src.Name, &slot{source: &src})
		c.order = append(c.order, src.Name)
	}

	return c
}

// Sources returns the configured source names in configuration order.
func (c *PlaylistCache) Sources() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Source returns the configuration of a named source.
func (c *PlaylistCache) Source(name string) (*config.SourceConfig, bool) {
	s, ok := c.slots.Load(name)
	if !ok {
		return nil, false
	}
	return s.source, true
}

// GetChannels returns the channel list of a source, loading it when absent
// or older than the TTL. A failed load falls back to the previous list with
// a nil error; without one it yields an empty list and the load error. An
// unknown source is a NotFoundError.
func (c *PlaylistCache) GetChannels(ctx context.Context, name string) ([]types.ChannelRecord, error) {
	s, ok := c.slots.Load(name)
	if !ok {
		return nil, &types.NotFoundError{What: "source", ID: name}
	}

	if e := s.entry.Load(); e != nil && c.opts.Now().Sub(e.fetchedAt) < c.opts.TTL {
		return e.channels, nil
	}

	channels, err := c.refresh(ctx, s)
	if err != nil {
		if e := s.entry.Load(); e != nil {
			return e.channels, nil
		}
		return []types.ChannelRecord{}, err
	}
	return channels, nil
}

// Channel resolves one channel of a source by index.
func (c *PlaylistCache) Channel(ctx context.Context, name string, index int) (types.ChannelRecord, error) {
	channels, err := c.GetChannels(ctx, name)
	if err != nil {
		return types.ChannelRecord{}, err
	}
	if index < 0 || index >= len(channels) {
		return types.ChannelRecord{}, &types.NotFoundError{What: "channel", ID: fmt.Sprintf("%s/%d", name, index)}
	}
	return channels[index], nil
}

// Refresh reloads a source regardless of its age. On failure the previous
// list stays in place and the error is returned.
func (c *PlaylistCache) Refresh(ctx context.Context, name string) error {
	s, ok := c.slots.Load(name)
	if !ok {
		return &types.NotFoundError{What: "source", ID: name}
	}
	_, err := c.refresh(ctx, s)
	return err
}

// RefreshAll reloads every source in order with a jittered pause between
// sources. It stops early when ctx ends.
func (c *PlaylistCache) RefreshAll(ctx context.Context) error {
	for i, name := range c.order {
		if i > 0 {
			if err := c.opts.Sleep(ctx, c.jitter()); err != nil {
				return err
			}
		}
		if err := c.Refresh(ctx, name); err != nil {
			logger.Warn("{cache/playlist - RefreshAll} Refresh of %s failed: %v", name, err)
		}
	}
	return ctx.Err()
}

// Status reports the cache state of a source.
func (c *PlaylistCache) Status(name string) (Status, bool) {
	s, ok := c.slots.Load(name)
	if !ok {
		return Status{}, false
	}

	st := Status{Source: name, Kind: s.source.Kind, Stale: true}
	if e := s.entry.Load(); e != nil {
		st.Channels = len(e.channels)
		st.FetchedAt = e.fetchedAt
		st.Stale = c.opts.Now().Sub(e.fetchedAt) >= c.opts.TTL
	}
	if at := s.lastAttempt.Load(); at != 0 {
		st.LastAttempt = time.Unix(0, at)
	}
	if f := s.lastFailure.Load(); f != nil && !f.at.Before(st.FetchedAt) {
		st.LastError = f.err.Error()
	}
	return st, true
}

// refresh loads a source once for all concurrent callers. The load itself
// is detached from the caller's cancellation so a departing caller does not
// fail it for the others; a caller whose ctx ends stops waiting.
func (c *PlaylistCache) refresh(ctx context.Context, s *slot) ([]types.ChannelRecord, error) {
	name := s.source.Name
	ch := c.group.DoChan(name, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), s)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]types.ChannelRecord), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *PlaylistCache) load(ctx context.Context, s *slot) ([]types.ChannelRecord, error) {
	src := s.source
	now := c.opts.Now()
	s.lastAttempt.Store(now.UnixNano())

	loader, ok := c.loaders[src.Kind]
	if !ok {
		return nil, fmt.Errorf("no loader for source kind %q", src.Kind)
	}

	channels, err := loader.Load(ctx, src)
	if err != nil {
		s.lastFailure.Store(&failure{err: err, at: now})
		if s.entry.Load() != nil {
			metrics.PlaylistFetches.WithLabelValues(src.Name, "stale").Inc()
			logger.Warn("{cache/playlist - load} Source %s: %v (keeping previous list)", src.Name, err)
		} else {
			metrics.PlaylistFetches.WithLabelValues(src.Name, "empty").Inc()
			logger.Error("{cache/playlist - load} Source %s: %v (no list available)", src.Name, err)
		}
		return nil, err
	}

	channels = filter.FilterChannels(channels, src, c.filters)
	s.entry.Store(&entry{channels: channels, fetchedAt: now})

	metrics.PlaylistFetches.WithLabelValues(src.Name, "ok").Inc()
	metrics.PlaylistChannels.WithLabelValues(src.Name).Set(float64(len(channels)))
	logger.Info("{cache/playlist - load} Source %s: %d channels", src.Name, len(channels))

	return channels, nil
}

func (c *PlaylistCache) jitter() time.Duration {
	span := c.opts.JitterMax - c.opts.JitterMin
	if span <= 0 {
		return c.opts.JitterMin
	}
	return c.opts.JitterMin + rand.N(span)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
