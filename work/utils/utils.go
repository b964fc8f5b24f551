package utils

import (
	"net/url"
	"path"
	"strings"

	"kptv-restream/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return config.ObfuscateURL(url)
	}
	return url
}

// SanitizeName turns a source or channel name into something safe to use as a
// single path element under the scratch directory.
func SanitizeName(name string) string {
	sanitized := name
	replacements := map[string]string{
		" ":  "_",
		",":  "_",
		"\"": "",
		"'":  "",
		"/":  "_",
		"\\": "_",
		"?":  "_",
		"&":  "_",
		"=":  "_",
		":":  "_",
		";":  "_",
		"|":  "_",
		"*":  "_",
		"<":  "_",
		">":  "_",
	}

	for old, new := range replacements {
		sanitized = strings.ReplaceAll(sanitized, old, new)
	}

	// Remove consecutive underscores
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" || sanitized == "." || sanitized == ".." {
		return "unnamed"
	}
	return sanitized
}

// ContentTypeFor guesses a media content type from a URL or file name
// extension, falling back to application/octet-stream.
func ContentTypeFor(name string) string {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8", ".m3u":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".aac":
		return "audio/aac"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4", ".m4s":
		return "video/mp4"
	case ".m4a":
		return "audio/mp4"
	case ".vtt":
		return "text/vtt"
	case ".key":
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

// IsPlaylist reports whether a URL or content type denotes an HLS playlist.
func IsPlaylist(rawURL, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	if u, err := url.Parse(rawURL); err == nil {
		rawURL = u.Path
	}
	ext := strings.ToLower(path.Ext(rawURL))
	return ext == ".m3u8" || ext == ".m3u"
}
