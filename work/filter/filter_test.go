package filter

import (
	"testing"

	"kptv-restream/work/config"
	"kptv-restream/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func channels() []types.ChannelRecord {
	return []types.ChannelRecord{
		{Title: "BBC News", SourceURL: "http://x/bbc_576.m3u8"},
		{Title: "BBC Sport", SourceURL: "http://x/sport_1080.m3u8"},
		{Title: "Cartoons", SourceURL: "http://x/toon_360.m3u8"},
		{Title: "Adult Swim", SourceURL: "http://x/as_720.m3u8"},
	}
}

func TestFilterChannels_NoFilters(t *testing.T) {
	in := channels()
	out := FilterChannels(in, &config.SourceConfig{Name: "s"}, NewFilterManager())
	assert.Equal(t, in, out)
}

func TestFilterChannels_IncludeExclude(t *testing.T) {
	src := &config.SourceConfig{Name: "s", IncludeRegex: "bbc|cartoon", ExcludeRegex: "sport"}
	out := FilterChannels(channels(), src, NewFilterManager())

	require.Len(t, out, 2)
	assert.Equal(t, "BBC News", out[0].Title)
	assert.Equal(t, "Cartoons", out[1].Title)
}

func TestFilterChannels_QualityIsBestEffort(t *testing.T) {
	fm := NewFilterManager()

	out := FilterChannels(channels(), &config.SourceConfig{Name: "q", QualityFilter: "360|576"}, fm)
	require.Len(t, out, 2)
	assert.Equal(t, "BBC News", out[0].Title)
	assert.Equal(t, "Cartoons", out[1].Title)

	out = FilterChannels(channels(), &config.SourceConfig{Name: "none", QualityFilter: "4320"}, fm)
	assert.Len(t, out, 4)
}

func TestGetOrCreateFilter_InvalidPatternIgnored(t *testing.T) {
	fm := NewFilterManager()
	src := &config.SourceConfig{Name: "bad", IncludeRegex: "(unclosed"}

	f := fm.GetOrCreateFilter(src)
	assert.Nil(t, f.Include)
	assert.Same(t, f, fm.GetOrCreateFilter(src))

	out := FilterChannels(channels(), src, fm)
	assert.Len(t, out, 4)
}
