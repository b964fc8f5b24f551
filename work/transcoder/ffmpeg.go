package transcoder

import (
	"path/filepath"
	"strconv"
	"strings"

	"kptv-restream/work/client"
	"kptv-restream/work/types"
)

// LiveOutput is the ffmpeg output target for streamed sessions.
const LiveOutput = "pipe:1"

// OutputPath returns where a produced artifact lives inside its working dir.
func OutputPath(dir string, spec types.OutputSpec) string {
	if spec.Container == types.ContainerHLS {
		return filepath.Join(dir, "index.m3u8")
	}
	return filepath.Join(dir, "output."+spec.Extension())
}

// BuildArgs maps an output profile onto an ffmpeg command line reading input
// and writing output. An http(s) input is requested with the headers of
// profile. The muxer is always named explicitly so output may be a temporary
// name or a pipe.
func BuildArgs(input string, profile client.RequestProfile, spec types.OutputSpec, output string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y"}
	args = append(args, inputArgs(input, profile)...)
	args = append(args, "-i", input)

	switch spec.Container {
	case types.ContainerMP3:
		args = append(args, "-vn", "-c:a", "libmp3lame")
		args = append(args, audioArgs(spec)...)
		args = append(args, "-f", "mp3", output)

	case types.ContainerHLS:
		segment := spec.SegmentTime
		if segment <= 0 {
			segment = 4
		}
		args = append(args, videoArgs(spec)...)
		args = append(args, "-c:a", "aac")
		args = append(args, audioArgs(spec)...)
		args = append(args,
			"-f", "hls",
			"-hls_time", strconv.Itoa(segment),
			"-hls_list_size", "0",
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(filepath.Dir(output), "seg_%03d.ts"),
			output,
		)

	default:
		args = append(args, videoArgs(spec)...)
		args = append(args, "-c:a", "aac")
		args = append(args, audioArgs(spec)...)
		if output == LiveOutput {
			// fragmented so the muxer never seeks back
			args = append(args, "-movflags", "frag_keyframe+empty_moov")
		} else {
			args = append(args, "-movflags", "+faststart")
		}
		args = append(args, "-f", "mp4", output)
	}

	return args
}

// inputArgs returns the http protocol options for input; they must come
// before -i.
func inputArgs(input string, profile client.RequestProfile) []string {
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return nil
	}
	var args []string
	if profile.UserAgent != "" {
		args = append(args, "-user_agent", profile.UserAgent)
	}
	if profile.Referrer != "" {
		args = append(args, "-referer", profile.Referrer)
	}
	if profile.Origin != "" {
		args = append(args, "-headers", "Origin: "+profile.Origin+"\r\n")
	}
	return args
}

func videoArgs(spec types.OutputSpec) []string {
	var args []string
	if spec.VideoScale != "" {
		args = append(args, "-vf", "scale="+spec.VideoScale)
	}
	if spec.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(spec.FrameRate))
	}
	args = append(args, "-c:v", "libx264", "-preset", "veryfast")
	if spec.BitrateVideo != "" {
		args = append(args, "-b:v", spec.BitrateVideo)
	}
	return args
}

func audioArgs(spec types.OutputSpec) []string {
	var args []string
	if spec.BitrateAudio != "" {
		args = append(args, "-b:a", spec.BitrateAudio)
	}
	if spec.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(spec.Channels))
	}
	if spec.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(spec.SampleRate))
	}
	return args
}
