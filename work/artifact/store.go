// Package artifact manages media produced on disk from upstream sources:
// one working directory per (source, channel, variant), at most one
// producer per key, and age-based eviction.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"kptv-restream/work/client"
	"kptv-restream/work/logger"
	"kptv-restream/work/metrics"
	"kptv-restream/work/types"
	"kptv-restream/work/utils"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Producer materializes sourceURL into dir and returns the artifact path.
type Producer interface {
	Run(ctx context.Context, sourceURL string, profile client.RequestProfile, spec types.OutputSpec, dir string) (string, error)
}

// Options configures a Store.
type Options struct {
	ScratchDir        string
	Variants          map[string]types.OutputSpec
	ProductionTimeout time.Duration // counted from the moment a production is queued
	FailureCooldown   time.Duration
	Expiry            func(variant string) time.Duration
	Profile           func(source string) client.RequestProfile // upstream headers per source
	Now               func() time.Time
}

type entry struct {
	mu    sync.Mutex
	state types.ArtifactState
	done  chan struct{} // closed when the running production settles
}

// Store tracks the state of every artifact key it has seen. State changes of
// a key happen under that key's lock; productions run on the worker pool
// under their own timeout, detached from the requests waiting on them.
type Store struct {
	entries  *xsync.MapOf[types.ArtifactKey, *entry]
	pool     *ants.Pool
	producer Producer
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a store producing through producer on pool.
func NewStore(producer Producer, pool *ants.Pool, opts Options) *Store {
	if opts.ProductionTimeout <= 0 {
		opts.ProductionTimeout = 15 * time.Minute
	}
	if opts.FailureCooldown <= 0 {
		opts.FailureCooldown = time.Minute
	}
	if opts.Expiry == nil {
		opts.Expiry = func(string) time.Duration { return 3 * time.Hour }
	}
	if opts.Profile == nil {
		opts.Profile = func(string) client.RequestProfile { return client.RequestProfile{} }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		entries:  xsync.NewMapOf[types.ArtifactKey, *entry](),
		pool:     pool,
		producer: producer,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dir returns the working directory of key.
func (s *Store) Dir(key types.ArtifactKey) string {
	return filepath.Join(s.opts.ScratchDir, utils.SanitizeName(key.Source), strconv.Itoa(key.Index), utils.SanitizeName(key.Variant))
}

// Spec returns the output profile of a variant.
func (s *Store) Spec(variant string) (types.OutputSpec, bool) {
	spec, ok := s.opts.Variants[variant]
	return spec, ok
}

// State returns a snapshot of key's state.
func (s *Store) State(key types.ArtifactKey) types.ArtifactState {
	e, ok := s.entries.Load(key)
	if !ok {
		return types.ArtifactState{Status: types.ArtifactAbsent}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// EnsureArtifact returns the Ready state of key, producing it from
// sourceURL first when needed. Callers arriving during a production wait for
// it and share its outcome. A failure stays in place for the cool-down, so
// callers within that window get the same ProductionError without a new
// attempt. A Ready artifact produced from a different sourceURL is
// discarded and produced again.
func (s *Store) EnsureArtifact(ctx context.Context, key types.ArtifactKey, sourceURL string) (types.ArtifactState, error) {
	spec, ok := s.opts.Variants[key.Variant]
	if !ok {
		return types.ArtifactState{}, &types.NotFoundError{What: "variant", ID: key.Variant}
	}

	e, _ := s.entries.LoadOrCompute(key, func() *entry {
		return &entry{state: types.ArtifactState{Status: types.ArtifactAbsent}}
	})

	for {
		e.mu.Lock()

		switch e.state.Status {
		case types.ArtifactReady:
			if e.state.SourceURL == sourceURL && fileExists(e.state.Path) {
				st := e.state
				e.mu.Unlock()
				return st, nil
			}
			logger.Info("{artifact/store - EnsureArtifact} Discarding %s: source changed or file gone", key)
			if err := s.discardLocked(key, e); err != nil {
				logger.Warn("{artifact/store - EnsureArtifact} Removing %s failed: %v", e.state.Dir, err)
				s.resetLocked(key, e)
			}

		case types.ArtifactFailed:
			if e.state.SourceURL == sourceURL && s.opts.Now().Sub(e.state.FailedAt) < s.opts.FailureCooldown {
				st := e.state
				e.mu.Unlock()
				return st, st.Reason
			}
			e.state = types.ArtifactState{Status: types.ArtifactAbsent}

		case types.ArtifactProducing:
			done := e.done
			e.mu.Unlock()
			if err := waitDone(ctx, done); err != nil {
				return types.ArtifactState{Status: types.ArtifactProducing}, err
			}
			continue
		}

		// Absent: this caller starts the production
		done := s.startLocked(key, e, spec, sourceURL)
		e.mu.Unlock()

		if err := waitDone(ctx, done); err != nil {
			return types.ArtifactState{Status: types.ArtifactProducing}, err
		}
	}
}

// Prewarm makes sure key is Ready, logging instead of returning failures.
func (s *Store) Prewarm(ctx context.Context, key types.ArtifactKey, sourceURL string) bool {
	st, err := s.EnsureArtifact(ctx, key, sourceURL)
	if err != nil {
		logger.Warn("{artifact/store - Prewarm} Pre-warm of %s failed: %v", key, err)
		return false
	}
	logger.Debug("{artifact/store - Prewarm} %s ready (%d bytes)", key, st.SizeBytes)
	return true
}

// startLocked moves e to Producing and hands the production to the pool.
// The production timeout starts here, so a job still waiting for a worker
// when it runs out fails in place. e.mu must be held.
func (s *Store) startLocked(key types.ArtifactKey, e *entry, spec types.OutputSpec, sourceURL string) chan struct{} {
	dir := s.Dir(key)
	done := make(chan struct{})
	e.state = types.ArtifactState{Status: types.ArtifactProducing, Dir: dir, SourceURL: sourceURL}
	e.done = done

	logger.Info("{artifact/store - EnsureArtifact} Producing %s from %s", key, sourceURL)

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ProductionTimeout)

	// whoever claims first settles: the worker or the expiry
	var claimed atomic.Bool
	expire := context.AfterFunc(ctx, func() {
		if claimed.CompareAndSwap(false, true) {
			s.settle(key, e, "", fmt.Errorf("waiting for a worker: %w", ctx.Err()))
		}
	})

	s.wg.Add(1)
	go func() {
		// queued here until a worker is free
		err := s.pool.Submit(func() {
			defer s.wg.Done()
			defer cancel()
			if !claimed.CompareAndSwap(false, true) {
				return
			}
			expire()
			s.produce(ctx, key, e, spec, sourceURL, dir)
		})
		if err != nil {
			if claimed.CompareAndSwap(false, true) {
				expire()
				s.settle(key, e, "", fmt.Errorf("schedule production: %w", err))
			}
			cancel()
			s.wg.Done()
		}
	}()

	return done
}

func (s *Store) produce(ctx context.Context, key types.ArtifactKey, e *entry, spec types.OutputSpec, sourceURL, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.settle(key, e, "", fmt.Errorf("clear working dir: %w", err))
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.settle(key, e, "", fmt.Errorf("create working dir: %w", err))
		return
	}

	path, err := s.producer.Run(ctx, sourceURL, s.opts.Profile(key.Source), spec, dir)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	s.settle(key, e, path, err)
}

// settle records the outcome of a production and wakes the waiters.
func (s *Store) settle(key types.ArtifactKey, e *entry, path string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.opts.Now()
	st := e.state

	var size int64
	if err == nil {
		info, statErr := os.Stat(path)
		switch {
		case statErr != nil:
			err = fmt.Errorf("artifact missing after production: %w", statErr)
		case info.IsDir():
			err = errors.New("artifact path is a directory")
		default:
			size = info.Size()
		}
	}

	if err != nil {
		if rmErr := os.RemoveAll(st.Dir); rmErr != nil {
			logger.Warn("{artifact/store - settle} Cleanup of %s failed: %v", st.Dir, rmErr)
		}
		e.state = types.ArtifactState{
			Status:    types.ArtifactFailed,
			Dir:       st.Dir,
			SourceURL: st.SourceURL,
			FailedAt:  now,
			Reason:    &types.ProductionError{Key: key, Err: err},
		}
		metrics.ArtifactProductions.WithLabelValues(key.Variant, "failed").Inc()
		logger.Error("{artifact/store - settle} Production of %s failed: %v", key, err)
	} else {
		e.state = types.ArtifactState{
			Status:      types.ArtifactReady,
			Path:        path,
			Dir:         st.Dir,
			SizeBytes:   size,
			SourceURL:   st.SourceURL,
			CompletedAt: now,
		}
		metrics.ArtifactProductions.WithLabelValues(key.Variant, "ok").Inc()
		metrics.ArtifactsReady.WithLabelValues(key.Variant).Inc()
		logger.Info("{artifact/store - settle} %s ready: %d bytes", key, size)
	}

	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

// discardLocked deletes a Ready artifact and resets it to Absent. On a
// failed delete the state is left untouched. e.mu must be held.
func (s *Store) discardLocked(key types.ArtifactKey, e *entry) error {
	if err := os.RemoveAll(e.state.Dir); err != nil {
		return err
	}
	s.resetLocked(key, e)
	return nil
}

func (s *Store) resetLocked(key types.ArtifactKey, e *entry) {
	if e.state.Status == types.ArtifactReady {
		metrics.ArtifactsReady.WithLabelValues(key.Variant).Dec()
	}
	e.state = types.ArtifactState{Status: types.ArtifactAbsent}
}

// Close cancels running productions and waits for them to settle.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
