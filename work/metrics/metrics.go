package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PlaylistFetches counts playlist refresh attempts per source. The "result"
// label is "ok", "stale" (failed, previous list kept) or "empty" (failed, no
// previous list). This is the failure signal of the playlist cache.
var PlaylistFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "restream_playlist_fetch_total",
	Help: "Playlist refresh attempts by result",
}, []string{"source", "result"})

// PlaylistChannels tracks the number of channels currently cached per source.
var PlaylistChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "restream_playlist_channels",
	Help: "Channels in the cached playlist",
}, []string{"source"})

// ArtifactProductions counts finished production runs per variant and result.
var ArtifactProductions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "restream_artifact_productions_total",
	Help: "Artifact production runs by result",
}, []string{"variant", "result"})

// ArtifactEvictions counts artifacts removed by the sweep.
var ArtifactEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "restream_artifact_evictions_total",
	Help: "Artifacts evicted by age",
}, []string{"variant"})

// ArtifactsReady tracks how many artifacts are ready per variant.
var ArtifactsReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "restream_artifact_ready",
	Help: "Ready artifacts",
}, []string{"variant"})

// LiveSessions tracks running live sessions ("audio", "upstream").
var LiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "restream_live_sessions",
	Help: "Active live sessions",
}, []string{"kind"})

// BytesTransferred counts bytes sent to clients by kind of response.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "restream_bytes_transferred",
	Help: "Total bytes sent to clients",
}, []string{"kind"})

// ProcessTerminations counts how child processes were stopped.
var ProcessTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "restream_process_terminations_total",
	Help: "Child process terminations by signal",
}, []string{"signal"})
