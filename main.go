package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"kptv-restream/work/artifact"
	"kptv-restream/work/buffer"
	"kptv-restream/work/cache"
	"kptv-restream/work/client"
	"kptv-restream/work/config"
	"kptv-restream/work/handlers"
	"kptv-restream/work/logger"
	"kptv-restream/work/maintenance"
	"kptv-restream/work/restream"
	"kptv-restream/work/transcoder"
	"kptv-restream/work/types"
)

var (
	Version = "v0.1.0" // default version
)

// shutdownTimeout bounds how long open responses may drain on exit.
const shutdownTimeout = 10 * time.Second

// maxQueuedProductions is how many productions may wait for a worker before
// new ones fail right away.
const maxQueuedProductions = 64

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	} else {
		logger.SetLogLevel(cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		log.Fatalf("Failed to create scratch dir %s: %v", cfg.ScratchDir, err)
	}

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true), ants.WithMaxBlockingTasks(maxQueuedProductions))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Initialize HTTP client
	httpClient := client.NewHeaderSettingClient(client.RequestProfile{UserAgent: cfg.UserAgent})
	fetcher := client.NewFetcher(httpClient, cfg.FetchTimeout, 0)

	tc := transcoder.New(transcoder.OptionsFromConfig(cfg))

	// playlist cache
	resolver := cache.NewResolver(tc, cfg.PlaylistTTL, cfg.FetchTimeout)
	playlists := cache.NewPlaylistCache(cfg.Sources, map[types.SourceKind]cache.Loader{
		types.SourceKindM3U:     &cache.M3ULoader{Fetcher: fetcher},
		types.SourceKindYouTube: &cache.YouTubeLoader{
			Resolver:  resolver,
			JitterMin: cfg.RefreshJitterMin,
			JitterMax: cfg.RefreshJitterMax,
		},
	}, cache.Options{
		TTL:       cfg.PlaylistTTL,
		JitterMin: cfg.RefreshJitterMin,
		JitterMax: cfg.RefreshJitterMax,
	})

	// artifact store
	store := artifact.NewStore(tc, workerPool, artifact.Options{
		ScratchDir:        cfg.ScratchDir,
		Variants:          cfg.Variants,
		ProductionTimeout: cfg.ProductionTimeout,
		FailureCooldown:   cfg.FailureCooldown,
		Expiry:            cfg.ExpiryFor,
		Profile: func(source string) client.RequestProfile {
			if src, ok := playlists.Source(source); ok {
				return client.ProfileFor(src)
			}
			return client.RequestProfile{}
		},
	})
	defer store.Close()

	// live streaming
	audioSpec, _ := cfg.Variant(types.VariantAudio)
	streamer := restream.NewStreamer(tc, fetcher, restream.StreamerOptions{
		AudioSpec:      audioSpec,
		StartupTimeout: cfg.StartupTimeout,
		ChunkTimeout:   cfg.ChunkTimeout,
		ChunkSize:      buffer.DefaultChunkSize,
	})

	// background maintenance
	prewarmer := &maintenance.Prewarmer{
		Cache:     playlists,
		Store:     store,
		Variant:   types.VariantFull,
		JitterMin: cfg.RefreshJitterMin,
		JitterMax: cfg.RefreshJitterMax,
	}
	runner := maintenance.NewRunner(
		maintenance.RefreshTask(playlists, cfg.RefreshInterval),
		maintenance.SweepTask(store, cfg.SweepInterval),
		prewarmer.Task(cfg.PrewarmInterval),
	)

	// Initial import, then keep refreshing
	runner.StartWithInitialRun(ctx)
	defer runner.Stop()

	// Setup HTTP routes
	router := handlers.NewRouter(&handlers.App{
		Config:   cfg,
		Cache:    playlists,
		Store:    store,
		Streamer: streamer,
		HLS:      restream.NewHLSProxy(fetcher, streamer),
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting KPTV Restream %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen: %s", cfg.Listen)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Scratch Dir: %s", cfg.ScratchDir)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Sources: %d", len(cfg.Sources))
	logger.Info("  - Variants: %d", len(cfg.Variants))
	logger.Info("  - Playlist TTL: %s", cfg.PlaylistTTL)
	logger.Info("  - Refresh Interval: %s", cfg.RefreshInterval)
	logger.Info("  - Artifact Expiry: %s (hls %s)", cfg.ArtifactExpiry, cfg.HLSExpiry)
	logger.Info("  - Log Level: %s", logger.GetLogLevel())
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed: %v", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown: %v", err)
	}
}
