package utils

import (
	"testing"

	"kptv-restream/work/config"

	"github.com/stretchr/testify/assert"
)

func TestLogURL(t *testing.T) {
	raw := "http://example.com/live/1.ts"
	assert.Equal(t, raw, LogURL(nil, raw))
	assert.Equal(t, raw, LogURL(&config.Config{}, raw))
	assert.Equal(t, "http://example.com/***", LogURL(&config.Config{ObfuscateUrls: true}, raw))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "News_One", SanitizeName("News / One"))
	assert.Equal(t, "unnamed", SanitizeName(".."))
	assert.Equal(t, "unnamed", SanitizeName("///"))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/mp2t", ContentTypeFor("http://cdn/x/seg_001.ts?sig=1"))
	assert.Equal(t, "application/vnd.apple.mpegurl", ContentTypeFor("index.M3U8"))
	assert.Equal(t, "audio/aac", ContentTypeFor("a.aac"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("blob"))
}

func TestIsPlaylist(t *testing.T) {
	assert.True(t, IsPlaylist("http://cdn/x/master.m3u8?t=1", ""))
	assert.True(t, IsPlaylist("http://cdn/x/play", "application/x-mpegURL"))
	assert.False(t, IsPlaylist("http://cdn/x/seg.ts", "video/mp2t"))
}
