package restream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"kptv-restream/work/buffer"
	"kptv-restream/work/client"
	"kptv-restream/work/config"
	"kptv-restream/work/logger"
	"kptv-restream/work/metrics"
	"kptv-restream/work/transcoder"
	"kptv-restream/work/types"

	"github.com/valyala/bytebufferpool"
)

// ErrIdle is returned by Session.Next when the source produced nothing
// within the startup or chunk timeout.
var ErrIdle = errors.New("live source idle")

// minStartup is the least time the first chunk gets after a slow lookup.
const minStartup = 100 * time.Millisecond

// Session kinds, used as metric labels.
const (
	KindAudio    = "audio"
	KindUpstream = "upstream"
)

// Session is a live byte stream read from a child process or an upstream
// HTTP body. A reader goroutine moves pooled chunks onto a channel so that
// Next can apply timeouts; the bounded channel keeps backpressure on the
// source. Close tears the source down and is safe to call repeatedly.
type Session struct {
	kind    string
	pool    *buffer.BufferPool
	chunks  chan *bytebufferpool.ByteBuffer
	startup time.Duration
	chunk   time.Duration

	source io.Reader
	stop   func() error // tears the source down
	finish func() error // exit status once the source hit EOF, may be nil

	started bool
	readErr error // written by the reader before chunks is closed

	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

func newSession(kind string, source io.Reader, stop, finish func() error, pool *buffer.BufferPool, startup, chunk time.Duration) *Session {
	s := &Session{
		kind:       kind,
		pool:       pool,
		chunks:     make(chan *bytebufferpool.ByteBuffer, 4),
		startup:    startup,
		chunk:      chunk,
		source:     source,
		stop:       stop,
		finish:     finish,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	metrics.LiveSessions.WithLabelValues(kind).Inc()
	go s.read()
	return s
}

func (s *Session) read() {
	defer close(s.readerDone)
	defer close(s.chunks)

	for {
		buf, err := s.pool.ReadChunk(s.source)
		if buf != nil {
			select {
			case s.chunks <- buf:
			case <-s.done:
				s.pool.Put(buf)
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

// Next returns the next chunk. It fails with ErrIdle when nothing arrives
// within the startup timeout (first chunk) or the chunk timeout (later
// chunks), and returns io.EOF once the source ended cleanly. The caller
// hands the chunk back with Release.
func (s *Session) Next(ctx context.Context) (*bytebufferpool.ByteBuffer, error) {
	timeout := s.chunk
	if !s.started {
		timeout = s.startup
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case buf, ok := <-s.chunks:
		if !ok {
			return nil, s.endErr()
		}
		s.started = true
		return buf, nil
	case <-timer.C:
		if !s.started {
			return nil, fmt.Errorf("%w: no output within %s", ErrIdle, timeout)
		}
		return nil, fmt.Errorf("%w: no data for %s", ErrIdle, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, io.ErrClosedPipe
	}
}

// Release returns a chunk obtained from Next to the pool.
func (s *Session) Release(buf *bytebufferpool.ByteBuffer) {
	s.pool.Put(buf)
}

// endErr turns the reader's terminal error into what Next reports. A source
// that ended with EOF may still have failed (non-zero exit).
func (s *Session) endErr() error {
	err := s.readErr
	if errors.Is(err, io.EOF) {
		if s.finish != nil {
			if ferr := s.finish(); ferr != nil {
				return ferr
			}
		}
		return io.EOF
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %s stream: %w", s.kind, err)
}

// Pump copies the session to w, flushing after every chunk, until the
// source ends or fails, ctx ends, or a write fails. A clean end returns nil.
func (s *Session) Pump(ctx context.Context, w io.Writer) (int64, error) {
	flusher, _ := w.(http.Flusher)
	var written int64

	for {
		buf, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, err
		}

		n, werr := w.Write(buf.B)
		s.Release(buf)
		written += int64(n)
		metrics.BytesTransferred.WithLabelValues(s.kind).Add(float64(n))
		if werr != nil {
			return written, fmt.Errorf("write to client: %w", werr)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Close tears the source down and waits for the reader goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.stop()
		<-s.readerDone
		for buf := range s.chunks {
			s.pool.Put(buf)
		}
		metrics.LiveSessions.WithLabelValues(s.kind).Dec()
	})
	return err
}

// ProcessStarter spawns a live transcoder writing to its standard output.
// *transcoder.Transcoder satisfies it.
type ProcessStarter interface {
	Stream(ctx context.Context, sourceURL string, profile client.RequestProfile, spec types.OutputSpec) (*transcoder.Process, error)
}

// Streamer opens live sessions.
type Streamer struct {
	starter ProcessStarter
	fetcher *client.Fetcher
	pool    *buffer.BufferPool
	audio   types.OutputSpec
	startup time.Duration
	chunk   time.Duration
}

// StreamerOptions configures a Streamer.
type StreamerOptions struct {
	AudioSpec      types.OutputSpec
	StartupTimeout time.Duration
	ChunkTimeout   time.Duration
	ChunkSize      int
}

// NewStreamer creates a streamer. fetcher may be nil when only audio
// sessions are needed.
func NewStreamer(starter ProcessStarter, fetcher *client.Fetcher, opts StreamerOptions) *Streamer {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 20 * time.Second
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = 30 * time.Second
	}
	if opts.AudioSpec.Container == "" {
		opts.AudioSpec = types.OutputSpec{Container: types.ContainerMP3, Channels: 1, BitrateAudio: "64k", SampleRate: 22050}
	}
	return &Streamer{
		starter: starter,
		fetcher: fetcher,
		pool:    buffer.NewBufferPool(opts.ChunkSize),
		audio:   opts.AudioSpec,
		startup: opts.StartupTimeout,
		chunk:   opts.ChunkTimeout,
	}
}

// Audio starts an audio-only transcode of sourceURL, requested with the
// headers of src (nil for none), and returns a session over its standard
// output. Resolving the media URL and the first chunk share the startup
// timeout.
func (s *Streamer) Audio(ctx context.Context, src *config.SourceConfig, sourceURL string) (*Session, error) {
	var profile client.RequestProfile
	if src != nil {
		profile = client.ProfileFor(src)
	}

	begin := time.Now()
	startCtx, cancel := context.WithTimeout(ctx, s.startup)
	proc, err := s.starter.Stream(startCtx, sourceURL, profile, s.audio)
	timedOut := ctx.Err() == nil && errors.Is(startCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			return nil, fmt.Errorf("%w: no media url within %s: %v", ErrIdle, s.startup, err)
		}
		return nil, err
	}

	startup := s.startup - time.Since(begin)
	if startup < minStartup {
		startup = minStartup
	}

	stop := func() error {
		if err := proc.Close(); err != nil {
			logger.Warn("{restream/live - Audio} Teardown of pid %d: %v", proc.Pid(), err)
			return err
		}
		return nil
	}
	finish := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.chunk)
		defer cancel()
		return proc.Wait(ctx)
	}

	logger.Debug("{restream/live - Audio} Audio session started (pid %d)", proc.Pid())
	return newSession(KindAudio, proc.Stdout(), stop, finish, s.pool, startup, s.chunk), nil
}

// Upstream opens rawURL with the headers and rate limit of src (nil for the
// defaults) and returns a session over its body together with the response,
// whose headers the caller may forward. The body belongs to the session.
func (s *Streamer) Upstream(ctx context.Context, src *config.SourceConfig, rawURL string) (*Session, *http.Response, error) {
	if s.fetcher == nil {
		return nil, nil, &types.FetchError{URL: rawURL, Err: errors.New("no fetcher configured")}
	}

	upCtx, cancel := context.WithCancel(ctx)
	headers := time.AfterFunc(s.startup, cancel)
	resp, err := s.fetcher.ForSource(src).Open(upCtx, rawURL)
	if !headers.Stop() && err == nil {
		resp.Body.Close()
		err = &types.FetchError{URL: rawURL, Err: fmt.Errorf("%w: no response headers within %s", context.DeadlineExceeded, s.startup)}
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}

	stop := func() error {
		cancel()
		return resp.Body.Close()
	}
	return newSession(KindUpstream, resp.Body, stop, nil, s.pool, s.startup, s.chunk), resp, nil
}
