package transcoder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const downloadStem = "download"

// Video is the latest upload of a channel page.
type Video struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// IsYouTubeURL reports whether rawURL points at YouTube and has to go
// through yt-dlp rather than straight into ffmpeg.
func IsYouTubeURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

// WatchURL builds the canonical watch URL of a video id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + url.QueryEscape(id)
}

func (t *Transcoder) ytdlpArgs(args ...string) []string {
	if t.opts.CookiesFile != "" {
		if _, err := os.Stat(t.opts.CookiesFile); err == nil {
			args = append([]string{"--cookies", t.opts.CookiesFile}, args...)
		}
	}
	return append([]string{"--no-progress", "--no-warnings"}, args...)
}

// LatestVideo resolves a channel page to its most recent upload.
func (t *Transcoder) LatestVideo(ctx context.Context, channelURL string) (Video, error) {
	out, err := t.capture(ctx, t.opts.YtdlpPath, t.ytdlpArgs(
		"--flat-playlist", "--playlist-end", "1", "--dump-single-json", channelURL,
	))
	if err != nil {
		return Video{}, err
	}
	return parseLatest(out)
}

func parseLatest(out []byte) (Video, error) {
	var listing struct {
		Entries []Video `json:"entries"`
	}
	if err := json.Unmarshal(out, &listing); err != nil {
		return Video{}, fmt.Errorf("decode yt-dlp listing: %w", err)
	}
	if len(listing.Entries) == 0 || listing.Entries[0].ID == "" {
		return Video{}, fmt.Errorf("channel has no videos")
	}

	v := listing.Entries[0]
	v.URL = WatchURL(v.ID)
	if v.Title == "" {
		v.Title = v.ID
	}
	return v, nil
}

// DirectURL asks yt-dlp for a URL ffmpeg can read directly.
func (t *Transcoder) DirectURL(ctx context.Context, pageURL string, audioOnly bool) (string, error) {
	format := "best"
	if audioOnly {
		format = "bestaudio/best"
	}
	out, err := t.capture(ctx, t.opts.YtdlpPath, t.ytdlpArgs("-g", "-f", format, pageURL))
	if err != nil {
		return "", err
	}

	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("yt-dlp returned no media url")
}

// Download fetches pageURL into dir and returns the downloaded file.
func (t *Transcoder) Download(ctx context.Context, pageURL, dir string) (string, error) {
	template := filepath.Join(dir, downloadStem+".%(ext)s")
	err := t.run(ctx, t.opts.YtdlpPath, t.ytdlpArgs(
		"-f", "bestvideo[ext=webm]+bestaudio[ext=webm]/best",
		"--output", template,
		pageURL,
	))
	if err != nil {
		return "", err
	}

	matches, _ := filepath.Glob(filepath.Join(dir, downloadStem+".*"))
	for _, m := range matches {
		if !strings.HasSuffix(m, ".part") {
			return m, nil
		}
	}
	return "", fmt.Errorf("yt-dlp produced no file in %s", dir)
}
