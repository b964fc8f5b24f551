package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kptv-restream/work/artifact"
	"kptv-restream/work/cache"
	"kptv-restream/work/client"
	"kptv-restream/work/config"
	"kptv-restream/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunner_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var fast, disabled atomic.Int32
	r := NewRunner(
		&Task{Name: "fast", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
			fast.Add(1)
			return nil
		}},
		&Task{Name: "disabled", Run: func(ctx context.Context) error {
			disabled.Add(1)
			return nil
		}},
	)

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	after := fast.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, fast.Load())
	assert.Zero(t, disabled.Load())
}

func TestRunner_StopCancelsRunningTask(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{})
	var once sync.Once
	r := NewRunner(&Task{Name: "slow", Interval: time.Millisecond, Run: func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}})

	r.Start(context.Background())
	<-started

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestRunner_StopWaitsForInitialRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{})
	var finished atomic.Bool
	r := NewRunner(&Task{Name: "import", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}})

	r.StartWithInitialRun(context.Background())
	<-started
	r.Stop()
	assert.True(t, finished.Load())
}

func TestRunner_InitialRunBeforeFirstTick(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var runs atomic.Int32
	r := NewRunner(&Task{Name: "hourly", Interval: time.Hour, Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}})

	r.StartWithInitialRun(context.Background())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	r.Stop()
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunner_TickAllRunsInOrderAndSurvivesErrors(t *testing.T) {
	var order []string
	r := NewRunner(
		&Task{Name: "a", Run: func(ctx context.Context) error { order = append(order, "a"); return errors.New("boom") }},
		&Task{Name: "b", Run: func(ctx context.Context) error { order = append(order, "b"); return nil }},
	)

	r.TickAll(context.Background())
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRunner_TaskNeverOverlaps(t *testing.T) {
	gate := make(chan struct{})
	var runs atomic.Int32
	task := &Task{Name: "gated", Run: func(ctx context.Context) error {
		runs.Add(1)
		<-gate
		return nil
	}}
	r := NewRunner(task)

	done := make(chan struct{})
	go func() {
		r.TickAll(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// second tick while the first is still running is skipped
	r.TickAll(context.Background())
	assert.EqualValues(t, 1, runs.Load())

	close(gate)
	<-done
}

type staticLoader struct {
	channels []types.ChannelRecord
}

func (l staticLoader) Load(ctx context.Context, src *config.SourceConfig) ([]types.ChannelRecord, error) {
	return l.channels, nil
}

type recordingProducer struct {
	mu   sync.Mutex
	urls []string
}

func (p *recordingProducer) Run(ctx context.Context, sourceURL string, profile client.RequestProfile, spec types.OutputSpec, dir string) (string, error) {
	p.mu.Lock()
	p.urls = append(p.urls, sourceURL)
	p.mu.Unlock()

	path := filepath.Join(dir, "output."+spec.Extension())
	return path, os.WriteFile(path, []byte(sourceURL), 0o644)
}

func (p *recordingProducer) produced() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

func newFixture(t *testing.T) (*cache.PlaylistCache, *artifact.Store, *recordingProducer) {
	t.Helper()

	channels := []types.ChannelRecord{
		{Title: "One", SourceURL: "http://up/1"},
		{Title: "Two", SourceURL: "http://up/2"},
		{Title: "Three", SourceURL: "http://up/3"},
	}
	sources := []config.SourceConfig{
		{Name: "warm", Kind: types.SourceKindM3U, URL: "http://up/warm.m3u", Prewarm: true, PrewarmLimit: 2},
		{Name: "cold", Kind: types.SourceKindM3U, URL: "http://up/cold.m3u"},
	}
	c := cache.NewPlaylistCache(sources, map[types.SourceKind]cache.Loader{
		types.SourceKindM3U: staticLoader{channels: channels},
	}, cache.Options{TTL: time.Hour, Sleep: func(context.Context, time.Duration) error { return nil }})

	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	producer := &recordingProducer{}
	store := artifact.NewStore(producer, pool, artifact.Options{
		ScratchDir: t.TempDir(),
		Variants:   map[string]types.OutputSpec{types.VariantFull: {Container: types.ContainerMP4}},
	})
	t.Cleanup(store.Close)

	return c, store, producer
}

func TestPrewarmer_ProducesFirstChannelsOfPrewarmSources(t *testing.T) {
	c, store, producer := newFixture(t)

	var pauses atomic.Int32
	p := &Prewarmer{
		Cache:     c,
		Store:     store,
		JitterMin: time.Second,
		JitterMax: 2 * time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			pauses.Add(1)
			return nil
		},
	}

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"http://up/1", "http://up/2"}, producer.produced())
	assert.EqualValues(t, 1, pauses.Load())

	st := store.State(types.ArtifactKey{Source: "warm", Index: 1, Variant: types.VariantFull})
	assert.Equal(t, types.ArtifactReady, st.Status)
	st = store.State(types.ArtifactKey{Source: "cold", Index: 0, Variant: types.VariantFull})
	assert.Equal(t, types.ArtifactAbsent, st.Status)

	// already Ready: no new production
	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, producer.produced(), 2)
}

func TestPrewarmer_StopsOnCancel(t *testing.T) {
	c, store, producer := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Prewarmer{
		Cache:     c,
		Store:     store,
		JitterMin: time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, producer.produced(), 1)
}

func TestSweepTask_RunsSweep(t *testing.T) {
	_, store, _ := newFixture(t)

	task := SweepTask(store, time.Minute)
	assert.Equal(t, "artifact-sweep", task.Name)
	assert.NoError(t, task.Run(context.Background()))
}

func TestRefreshTask_RefreshesSources(t *testing.T) {
	c, _, _ := newFixture(t)

	require.NoError(t, RefreshTask(c, time.Minute).Run(context.Background()))
	st, ok := c.Status("warm")
	require.True(t, ok)
	assert.Equal(t, 3, st.Channels)
}
