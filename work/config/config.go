package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"kptv-restream/work/logger"
	"kptv-restream/work/types"

	"github.com/joho/godotenv"
)

// DefaultConfigPath is used when KPTV_CONFIG is not set.
const DefaultConfigPath = "/settings/config.json"

// Config holds all application configuration values for the restreaming server.
type Config struct {
	BaseURL           string                      `json:"baseURL"`           // public base URL, used for absolute links in listings
	Listen            string                      `json:"listen"`            // HTTP listen address
	LogLevel          string                      `json:"logLevel"`          // DEBUG, INFO, WARN or ERROR
	Debug             bool                        `json:"debug"`             // forces DEBUG logging
	ObfuscateUrls     bool                        `json:"obfuscateUrls"`     // hide URL paths and queries in logs
	ScratchDir        string                      `json:"scratchDir"`        // root for artifact working directories
	WorkerThreads     int                         `json:"workerThreads"`     // max concurrent productions
	PlaylistTTL       time.Duration               `json:"playlistTTL"`       // age after which a cached playlist is stale
	RefreshInterval   time.Duration               `json:"refreshInterval"`   // background playlist refresh period
	RefreshJitterMin  time.Duration               `json:"refreshJitterMin"`  // min pause between sources during refresh
	RefreshJitterMax  time.Duration               `json:"refreshJitterMax"`  // max pause between sources during refresh
	FetchTimeout      time.Duration               `json:"fetchTimeout"`      // ceiling for a single upstream GET
	ProductionTimeout time.Duration               `json:"productionTimeout"` // ceiling for one download/transcode run
	StartupTimeout    time.Duration               `json:"startupTimeout"`    // live process must produce output within this
	ChunkTimeout      time.Duration               `json:"chunkTimeout"`      // max gap between two live chunks
	TerminateGrace    time.Duration               `json:"terminateGrace"`    // SIGTERM to SIGKILL delay
	FailureCooldown   time.Duration               `json:"failureCooldown"`   // how long a failed artifact stays failed
	SweepInterval     time.Duration               `json:"sweepInterval"`     // artifact eviction period
	ArtifactExpiry    time.Duration               `json:"artifactExpiry"`    // age at which file artifacts are evicted
	HLSExpiry         time.Duration               `json:"hlsExpiry"`         // age at which hls working dirs are evicted
	PrewarmInterval   time.Duration               `json:"prewarmInterval"`   // pre-warm period
	FFmpegPath        string                      `json:"ffmpegPath"`        // ffmpeg binary
	YtdlpPath         string                      `json:"ytdlpPath"`         // yt-dlp binary
	CookiesFile       string                      `json:"cookiesFile"`       // optional cookies for restricted sources
	UserAgent         string                      `json:"userAgent"`         // default upstream User-Agent
	Variants          map[string]types.OutputSpec `json:"variants"`          // variant name -> output profile
	Sources           []SourceConfig              `json:"sources"`           // configured playlist sources
}

// ChannelPage is one YouTube channel listed by a youtube source.
type ChannelPage struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SourceConfig represents the configuration for a single named source.
type SourceConfig struct {
	Name              string           `json:"name"`              // name used in URLs (/media/{name}/...)
	Kind              types.SourceKind `json:"kind"`              // m3u or youtube
	URL               string           `json:"url"`               // playlist URL for m3u sources
	Channels          []ChannelPage    `json:"channels"`          // channel pages for youtube sources
	UserAgent         string           `json:"userAgent"`         // HTTP User-Agent header for requests
	ReqOrigin         string           `json:"reqOrigin"`         // HTTP Origin header for requests
	ReqReferrer       string           `json:"reqReferrer"`       // HTTP Referer header for requests
	RequestsPerSecond int              `json:"requestsPerSecond"` // upstream rate limit for this source's host
	IncludeRegex      string           `json:"includeRegex,omitempty"`
	ExcludeRegex      string           `json:"excludeRegex,omitempty"`
	QualityFilter     string           `json:"qualityFilter,omitempty"` // best-effort quality heuristic, e.g. "360|576"
	Prewarm           bool             `json:"prewarm"`                 // produce the full variant ahead of requests
	PrewarmLimit      int              `json:"prewarmLimit"`            // how many channels to pre-warm
}

// ConfigFile represents the JSON file structure. Duration fields are strings
// (e.g. "30m") parsed into time.Duration values by convertFromFile.
type ConfigFile struct {
	BaseURL           string                      `json:"baseURL"`
	Listen            string                      `json:"listen"`
	LogLevel          string                      `json:"logLevel"`
	Debug             bool                        `json:"debug"`
	ObfuscateUrls     bool                        `json:"obfuscateUrls"`
	ScratchDir        string                      `json:"scratchDir"`
	WorkerThreads     int                         `json:"workerThreads"`
	PlaylistTTL       string                      `json:"playlistTTL"`
	RefreshInterval   string                      `json:"refreshInterval"`
	RefreshJitterMin  string                      `json:"refreshJitterMin"`
	RefreshJitterMax  string                      `json:"refreshJitterMax"`
	FetchTimeout      string                      `json:"fetchTimeout"`
	ProductionTimeout string                      `json:"productionTimeout"`
	StartupTimeout    string                      `json:"startupTimeout"`
	ChunkTimeout      string                      `json:"chunkTimeout"`
	TerminateGrace    string                      `json:"terminateGrace"`
	FailureCooldown   string                      `json:"failureCooldown"`
	SweepInterval     string                      `json:"sweepInterval"`
	ArtifactExpiry    string                      `json:"artifactExpiry"`
	HLSExpiry         string                      `json:"hlsExpiry"`
	PrewarmInterval   string                      `json:"prewarmInterval"`
	FFmpegPath        string                      `json:"ffmpegPath"`
	YtdlpPath         string                      `json:"ytdlpPath"`
	CookiesFile       string                      `json:"cookiesFile"`
	UserAgent         string                      `json:"userAgent"`
	Variants          map[string]types.OutputSpec `json:"variants"`
	Sources           []SourceConfig              `json:"sources"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration once and returns the cached instance on
// later calls. A .env file in the working directory is honored first, then
// KPTV_CONFIG picks the JSON file. A missing or broken file falls back to the
// defaults so the server still comes up (with no sources).
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	// .env is optional
	if err := godotenv.Load(); err == nil {
		logger.Debug("{config/config - LoadConfig} Loaded environment from .env")
	}

	configPath := os.Getenv("KPTV_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		logger.Warn("{config/config - LoadConfig} Failed to load config from %s: %v", configPath, err)
		logger.Warn("{config/config - LoadConfig} Falling back to default configuration")
		cfg = getDefaultConfig()
		validateAndSetDefaults(cfg)
	}

	applyEnvOverrides(cfg)

	configCache = cfg

	logger.Debug("{config/config - LoadConfig} Configuration loaded: %d sources, %d variants, scratch dir %s",
		len(cfg.Sources), len(cfg.Variants), cfg.ScratchDir)
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		logger.Debug("{config/config - LoadConfig}   Source %d (%s, %s): %s",
			i+1, src.Name, src.Kind, ObfuscateURL(src.URL))
	}

	return cfg
}

// LoadFile reads, converts and validates a configuration file without
// touching the process-wide cache.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse converts raw JSON configuration into a validated Config.
func Parse(data []byte) (*Config, error) {
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}

	validateAndSetDefaults(cfg)
	if err := validateSources(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
// Empty duration strings are left at zero and filled in by the defaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		BaseURL:       cf.BaseURL,
		Listen:        cf.Listen,
		LogLevel:      cf.LogLevel,
		Debug:         cf.Debug,
		ObfuscateUrls: cf.ObfuscateUrls,
		ScratchDir:    cf.ScratchDir,
		WorkerThreads: cf.WorkerThreads,
		FFmpegPath:    cf.FFmpegPath,
		YtdlpPath:     cf.YtdlpPath,
		CookiesFile:   cf.CookiesFile,
		UserAgent:     cf.UserAgent,
		Variants:      cf.Variants,
		Sources:       cf.Sources,
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"playlistTTL", cf.PlaylistTTL, &cfg.PlaylistTTL},
		{"refreshInterval", cf.RefreshInterval, &cfg.RefreshInterval},
		{"refreshJitterMin", cf.RefreshJitterMin, &cfg.RefreshJitterMin},
		{"refreshJitterMax", cf.RefreshJitterMax, &cfg.RefreshJitterMax},
		{"fetchTimeout", cf.FetchTimeout, &cfg.FetchTimeout},
		{"productionTimeout", cf.ProductionTimeout, &cfg.ProductionTimeout},
		{"startupTimeout", cf.StartupTimeout, &cfg.StartupTimeout},
		{"chunkTimeout", cf.ChunkTimeout, &cfg.ChunkTimeout},
		{"terminateGrace", cf.TerminateGrace, &cfg.TerminateGrace},
		{"failureCooldown", cf.FailureCooldown, &cfg.FailureCooldown},
		{"sweepInterval", cf.SweepInterval, &cfg.SweepInterval},
		{"artifactExpiry", cf.ArtifactExpiry, &cfg.ArtifactExpiry},
		{"hlsExpiry", cf.HLSExpiry, &cfg.HLSExpiry},
		{"prewarmInterval", cf.PrewarmInterval, &cfg.PrewarmInterval},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// DefaultVariants returns the built-in output profiles.
func DefaultVariants() map[string]types.OutputSpec {
	return map[string]types.OutputSpec{
		types.VariantFull: {
			Container:    types.ContainerMP4,
			VideoScale:   "320:240",
			FrameRate:    15,
			BitrateVideo: "384k",
			BitrateAudio: "12k",
			Channels:     1,
		},
		types.VariantHLS: {
			Container:    types.ContainerHLS,
			VideoScale:   "-2:144",
			BitrateVideo: "200k",
			BitrateAudio: "32k",
			Channels:     1,
			SegmentTime:  4,
		},
		types.VariantAudio: {
			Container:    types.ContainerMP3,
			BitrateAudio: "64k",
			SampleRate:   22050,
			Channels:     1,
		},
	}
}

// getDefaultConfig returns a baseline configuration with no sources.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:8080",
		Listen:  ":8080",
		Sources: []SourceConfig{},
	}
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "/tmp/ytvid"
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 4
	}
	if cfg.PlaylistTTL <= 0 {
		cfg.PlaylistTTL = 30 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}
	if cfg.RefreshJitterMin <= 0 {
		cfg.RefreshJitterMin = 5 * time.Second
	}
	if cfg.RefreshJitterMax < cfg.RefreshJitterMin {
		cfg.RefreshJitterMax = 2 * cfg.RefreshJitterMin
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.ProductionTimeout <= 0 {
		cfg.ProductionTimeout = 15 * time.Minute
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 20 * time.Second
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 30 * time.Second
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 3 * time.Second
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Minute
	}
	if cfg.ArtifactExpiry <= 0 {
		cfg.ArtifactExpiry = 3 * time.Hour
	}
	if cfg.HLSExpiry <= 0 {
		cfg.HLSExpiry = 30 * time.Minute
	}
	if cfg.PrewarmInterval <= 0 {
		cfg.PrewarmInterval = 30 * time.Minute
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.YtdlpPath == "" {
		cfg.YtdlpPath = "yt-dlp"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}

	// configured variants override the built-in ones by name
	variants := DefaultVariants()
	for name, spec := range cfg.Variants {
		variants[name] = spec
	}
	cfg.Variants = variants

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("source_%d", i+1)
		}
		if src.Kind == "" {
			if len(src.Channels) > 0 {
				src.Kind = types.SourceKindYouTube
			} else {
				src.Kind = types.SourceKindM3U
			}
		}
		if src.RequestsPerSecond <= 0 {
			src.RequestsPerSecond = 5
		}
		if src.UserAgent == "" {
			src.UserAgent = cfg.UserAgent
		}
		if src.PrewarmLimit <= 0 {
			src.PrewarmLimit = 10
		}
	}
}

// validateSources rejects configurations that cannot be served.
func validateSources(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true

		switch src.Kind {
		case types.SourceKindM3U:
			if src.URL == "" {
				return fmt.Errorf("source %q: m3u source needs a url", src.Name)
			}
		case types.SourceKindYouTube:
			if len(src.Channels) == 0 {
				return fmt.Errorf("source %q: youtube source needs channels", src.Name)
			}
		default:
			return fmt.Errorf("source %q: unknown kind %q", src.Name, src.Kind)
		}
	}
	return nil
}

// applyEnvOverrides lets a few deployment knobs come from the environment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KPTV_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("KPTV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KPTV_SCRATCH_DIR"); v != "" {
		cfg.ScratchDir = v
	}
}

// GetSource returns the source with the given name, or nil.
func (c *Config) GetSource(name string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i]
		}
	}
	return nil
}

// Variant returns the output profile for a variant name.
func (c *Config) Variant(name string) (types.OutputSpec, bool) {
	spec, ok := c.Variants[name]
	return spec, ok
}

// ExpiryFor returns the eviction age for artifacts of the given variant.
func (c *Config) ExpiryFor(variant string) time.Duration {
	if spec, ok := c.Variants[variant]; ok && spec.Container == types.ContainerHLS {
		return c.HLSExpiry
	}
	return c.ArtifactExpiry
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// ObfuscateURL keeps scheme and host and masks the rest.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
