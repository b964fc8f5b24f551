// Package maintenance runs the periodic background work of the proxy:
// playlist refresh, artifact eviction and pre-warming.
package maintenance

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"kptv-restream/work/artifact"
	"kptv-restream/work/cache"
	"kptv-restream/work/logger"
	"kptv-restream/work/types"
)

// Task is one periodic job. Run receives a context that ends on Stop.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	mu sync.Mutex // a task never overlaps with itself
}

// Runner drives a set of tasks, each on its own ticker.
type Runner struct {
	tasks   []*Task
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner. Tasks with a non-positive interval only run
// through TickAll.
func NewRunner(tasks ...*Task) *Runner {
	return &Runner{tasks: tasks}
}

// Start launches one loop per task. Calling Start on a running runner does
// nothing.
func (r *Runner) Start(ctx context.Context) {
	r.start(ctx, false)
}

// StartWithInitialRun is Start plus one TickAll in the background, so every
// task runs right away instead of after its first interval. Stop also waits
// for that first round.
func (r *Runner) StartWithInitialRun(ctx context.Context) {
	r.start(ctx, true)
}

func (r *Runner) start(ctx context.Context, initial bool) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	if initial {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.TickAll(ctx)
		}()
	}
	for _, t := range r.tasks {
		if t.Interval <= 0 {
			logger.Debug("{maintenance/maintenance - start} Task %s disabled", t.Name)
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, t)
	}

	logger.Info("{maintenance/maintenance - start} Started %d maintenance tasks", len(r.tasks))
}

// Stop cancels every running task and waits for the loops to return.
func (r *Runner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	r.wg.Wait()
	logger.Info("{maintenance/maintenance - Stop} Maintenance stopped")
}

// TickAll runs every task once, in order. A task already running is
// skipped.
func (r *Runner) TickAll(ctx context.Context) {
	for _, t := range r.tasks {
		if ctx.Err() != nil {
			return
		}
		r.runOnce(ctx, t)
	}
}

func (r *Runner) loop(ctx context.Context, t *Task) {
	defer r.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, t)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, t *Task) {
	if !t.mu.TryLock() {
		logger.Debug("{maintenance/maintenance - runOnce} Task %s still running, skipping", t.Name)
		return
	}
	defer t.mu.Unlock()

	start := time.Now()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("{maintenance/maintenance - runOnce} Task %s failed: %v", t.Name, err)
		return
	}
	logger.Debug("{maintenance/maintenance - runOnce} Task %s done in %s", t.Name, time.Since(start).Round(time.Millisecond))
}

// RefreshTask reloads every source's playlist.
func RefreshTask(c *cache.PlaylistCache, interval time.Duration) *Task {
	return &Task{
		Name:     "playlist-refresh",
		Interval: interval,
		Run:      c.RefreshAll,
	}
}

// SweepTask evicts expired artifacts and orphaned scratch files.
func SweepTask(s *artifact.Store, interval time.Duration) *Task {
	return &Task{
		Name:     "artifact-sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			res := s.Sweep(ctx)
			if res.Evicted > 0 || res.Orphans > 0 || res.Errors > 0 {
				logger.Info("{maintenance/maintenance - SweepTask} Evicted %d artifacts, removed %d orphans, %d errors",
					res.Evicted, res.Orphans, res.Errors)
			}
			return nil
		},
	}
}

// Prewarmer produces a variant ahead of time for the first channels of the
// sources marked for pre-warming.
type Prewarmer struct {
	Cache     *cache.PlaylistCache
	Store     *artifact.Store
	Variant   string
	JitterMin time.Duration
	JitterMax time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Task wraps the prewarmer for a Runner.
func (p *Prewarmer) Task(interval time.Duration) *Task {
	return &Task{Name: "prewarm", Interval: interval, Run: p.Run}
}

// Run walks the pre-warm sources in order and produces their channels one at
// a time, pausing between productions.
func (p *Prewarmer) Run(ctx context.Context) error {
	variant := p.Variant
	if variant == "" {
		variant = types.VariantFull
	}

	first := true
	for _, name := range p.Cache.Sources() {
		src, ok := p.Cache.Source(name)
		if !ok || !src.Prewarm {
			continue
		}

		channels, err := p.Cache.GetChannels(ctx, name)
		if err != nil {
			logger.Warn("{maintenance/maintenance - Prewarm} Source %s has no usable list: %v", name, err)
		}

		limit := src.PrewarmLimit
		if limit <= 0 || limit > len(channels) {
			limit = len(channels)
		}

		ready := 0
		for i := 0; i < limit; i++ {
			if !first {
				if err := p.pause(ctx); err != nil {
					return err
				}
			}
			first = false

			key := types.ArtifactKey{Source: name, Index: i, Variant: variant}
			if p.Store.Prewarm(ctx, key, channels[i].SourceURL) {
				ready++
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		logger.Info("{maintenance/maintenance - Prewarm} Source %s: %d/%d channels ready", name, ready, limit)
	}
	return nil
}

func (p *Prewarmer) pause(ctx context.Context) error {
	d := p.JitterMin
	if p.JitterMax > p.JitterMin {
		d += rand.N(p.JitterMax - p.JitterMin)
	}
	if d <= 0 {
		return ctx.Err()
	}
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
