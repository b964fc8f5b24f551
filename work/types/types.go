package types

import (
	"fmt"
	"time"
)

// ChannelRecord is one playable entry parsed out of a playlist. Records are
// immutable once built; the cache hands out the same slice to every reader.
type ChannelRecord struct {
	Title     string `json:"title"` // display title, falls back to tvg-name then "Unknown"
	SourceURL string `json:"url"`   // upstream stream URL, unique within one playlist
	LogoURL   string `json:"logo"`  // tvg-logo attribute
	Group     string `json:"group"` // group-title attribute (or #EXTGRP)
	TvgID     string `json:"tvgId"` // tvg-id attribute for EPG matching
}

// SourceKind tells the playlist cache how a named source is loaded.
type SourceKind string

const (
	SourceKindM3U     SourceKind = "m3u"     // extended-M3U playlist fetched over HTTP
	SourceKindYouTube SourceKind = "youtube" // list of channel pages resolved to their latest upload
)

// Well-known variant names. Any name present in the configured variant table
// is accepted; these are the ones the HTTP layer asks for by default.
const (
	VariantFull   = "full"
	VariantHLS    = "hls144"
	VariantAudio  = "audio"
	DefaultFormat = VariantFull
)

// Container enumerates the output formats the transcoder understands.
type Container string

const (
	ContainerMP4 Container = "mp4"
	ContainerMP3 Container = "mp3"
	ContainerHLS Container = "hls"
)

// OutputSpec describes one transcoder output profile. Zero values mean
// "leave it to the transcoder".
type OutputSpec struct {
	Container    Container `json:"container"`
	VideoScale   string    `json:"videoScale,omitempty"`   // ffmpeg scale expression, e.g. "320:240"
	FrameRate    int       `json:"frameRate,omitempty"`    // output fps
	BitrateVideo string    `json:"bitrateVideo,omitempty"` // e.g. "384k"
	BitrateAudio string    `json:"bitrateAudio,omitempty"` // e.g. "12k"
	SampleRate   int       `json:"sampleRate,omitempty"`   // audio sample rate in Hz
	Channels     int       `json:"channels,omitempty"`     // audio channel count
	SegmentTime  int       `json:"segmentTime,omitempty"`  // hls segment length in seconds
}

// Extension returns the file extension used for a materialized artifact.
func (o OutputSpec) Extension() string {
	switch o.Container {
	case ContainerMP3:
		return "mp3"
	case ContainerHLS:
		return "m3u8"
	default:
		return "mp4"
	}
}

// ContentType returns the MIME type a client should see for this output.
func (o OutputSpec) ContentType() string {
	switch o.Container {
	case ContainerMP3:
		return "audio/mpeg"
	case ContainerHLS:
		return "application/vnd.apple.mpegurl"
	default:
		return "video/mp4"
	}
}

// ArtifactKey addresses one materialized artifact: a channel of a source in a
// given variant. It maps 1:1 to a directory under the scratch root.
type ArtifactKey struct {
	Source  string
	Index   int
	Variant string
}

func (k ArtifactKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Source, k.Index, k.Variant)
}

// ArtifactStatus is the lifecycle position of an artifact.
type ArtifactStatus int

const (
	ArtifactAbsent ArtifactStatus = iota
	ArtifactProducing
	ArtifactReady
	ArtifactFailed
)

func (s ArtifactStatus) String() string {
	switch s {
	case ArtifactProducing:
		return "producing"
	case ArtifactReady:
		return "ready"
	case ArtifactFailed:
		return "failed"
	default:
		return "absent"
	}
}

// ArtifactState is a point-in-time snapshot of one key's state.
type ArtifactState struct {
	Status      ArtifactStatus
	Path        string    // file (or playlist inside the working dir for hls)
	Dir         string    // working directory owning Path
	SizeBytes   int64
	SourceURL   string    // upstream the artifact was produced from
	CompletedAt time.Time // set when Ready
	FailedAt    time.Time // set when Failed
	Reason      error     // set when Failed
}
