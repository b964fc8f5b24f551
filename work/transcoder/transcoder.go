// Package transcoder drives the external download and transcode tools
// (yt-dlp and ffmpeg) as child processes.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kptv-restream/work/client"
	"kptv-restream/work/config"
	"kptv-restream/work/logger"
	"kptv-restream/work/types"
)

// captureLimit caps what capture reads from a child's stdout.
const captureLimit = 8 << 20

// Options configures the external tools.
type Options struct {
	FFmpegPath     string
	YtdlpPath      string
	CookiesFile    string
	TerminateGrace time.Duration
}

// OptionsFromConfig picks the transcoder settings out of the app config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FFmpegPath:     cfg.FFmpegPath,
		YtdlpPath:      cfg.YtdlpPath,
		CookiesFile:    cfg.CookiesFile,
		TerminateGrace: cfg.TerminateGrace,
	}
}

// Transcoder runs productions and live transcodes.
type Transcoder struct {
	opts Options
}

// New creates a Transcoder.
func New(opts Options) *Transcoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.YtdlpPath == "" {
		opts.YtdlpPath = "yt-dlp"
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 3 * time.Second
	}
	return &Transcoder{opts: opts}
}

// Run produces the artifact for sourceURL in dir and returns its path.
// YouTube pages are downloaded first and the download is removed after the
// conversion; other inputs are read with the headers of profile. Files other
// than hls are written under a temporary name and renamed into place only on
// success.
func (t *Transcoder) Run(ctx context.Context, sourceURL string, profile client.RequestProfile, spec types.OutputSpec, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create working dir: %w", err)
	}

	input := sourceURL
	if IsYouTubeURL(sourceURL) {
		downloaded, err := t.Download(ctx, sourceURL, dir)
		if err != nil {
			return "", fmt.Errorf("download: %w", err)
		}
		defer os.Remove(downloaded)
		input = downloaded
	}

	output := OutputPath(dir, spec)
	target := output
	if spec.Container != types.ContainerHLS {
		target = filepath.Join(dir, ".partial."+spec.Extension())
	}

	if err := t.run(ctx, t.opts.FFmpegPath, BuildArgs(input, profile, spec, target)); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("convert: %w", err)
	}

	if target != output {
		if err := os.Rename(target, output); err != nil {
			return "", fmt.Errorf("finalize: %w", err)
		}
	}

	info, err := os.Stat(output)
	if err != nil {
		return "", fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		return "", errors.New("output is empty")
	}

	return output, nil
}

// Stream starts a live transcode of sourceURL writing to stdout. The caller
// owns the returned process and must Close it. ctx bounds the yt-dlp lookup
// of YouTube pages only; the transcode itself lives until Close. Media URLs
// handed out by yt-dlp are read without the source's headers.
func (t *Transcoder) Stream(ctx context.Context, sourceURL string, profile client.RequestProfile, spec types.OutputSpec) (*Process, error) {
	input := sourceURL
	if IsYouTubeURL(sourceURL) {
		direct, err := t.DirectURL(ctx, sourceURL, spec.Container == types.ContainerMP3)
		if err != nil {
			return nil, fmt.Errorf("resolve media url: %w", err)
		}
		input = direct
		profile = client.RequestProfile{}
	}

	args := BuildArgs(input, profile, spec, LiveOutput)
	logger.Debug("{transcoder/transcoder - Stream} Command: %s %s", t.opts.FFmpegPath, strings.Join(args, " "))

	return Start(t.opts.FFmpegPath, args, t.opts.TerminateGrace, true)
}

// run executes a tool to completion, tearing it down when ctx ends.
func (t *Transcoder) run(ctx context.Context, name string, args []string) error {
	logger.Debug("{transcoder/transcoder - run} Command: %s %s", name, strings.Join(args, " "))

	p, err := Start(name, args, t.opts.TerminateGrace, false)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// capture executes a tool to completion and returns its stdout.
func (t *Transcoder) capture(ctx context.Context, name string, args []string) ([]byte, error) {
	p, err := Start(name, args, t.opts.TerminateGrace, true)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		if err := p.Close(); err != nil {
			logger.Warn("{transcoder/transcoder - capture} Teardown of %s: %v", name, err)
		}
	})
	defer stop()

	out, readErr := io.ReadAll(io.LimitReader(p.Stdout(), captureLimit))
	if err := p.Wait(ctx); err != nil {
		// a child killed by the AfterFunc reports the signal, not ctx
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	p.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read %s output: %w", name, readErr)
	}
	return out, nil
}
