package filter

import (
	"strings"
	"sync"

	"kptv-restream/work/config"
	"kptv-restream/work/logger"
	"kptv-restream/work/types"

	"github.com/grafana/regexp"
)

// CompiledFilter holds compiled regex patterns for a source
type CompiledFilter struct {
	Include *regexp.Regexp // title must match when set
	Exclude *regexp.Regexp // title must not match when set
	Quality *regexp.Regexp // preferred stream URLs, best effort
}

// FilterManager caches compiled filters per source name
type FilterManager struct {
	filters map[string]*CompiledFilter
	mu      sync.RWMutex
}

// NewFilterManager creates a new filter manager
func NewFilterManager() *FilterManager {
	return &FilterManager{
		filters: make(map[string]*CompiledFilter),
	}
}

// GetOrCreateFilter gets or creates a compiled filter for a source. Patterns
// that fail to compile are logged and treated as absent.
func (fm *FilterManager) GetOrCreateFilter(source *config.SourceConfig) *CompiledFilter {
	fm.mu.RLock()
	if f, ok := fm.filters[source.Name]; ok {
		fm.mu.RUnlock()
		return f
	}
	fm.mu.RUnlock()

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if f, ok := fm.filters[source.Name]; ok {
		return f
	}

	f := &CompiledFilter{
		Include: compile(source.Name, "includeRegex", source.IncludeRegex, true),
		Exclude: compile(source.Name, "excludeRegex", source.ExcludeRegex, true),
		Quality: compile(source.Name, "qualityFilter", source.QualityFilter, false),
	}

	fm.filters[source.Name] = f
	return f
}

func compile(sourceName, field, pattern string, caseInsensitive bool) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	if caseInsensitive && !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Error("{filter/filter - GetOrCreateFilter} Source %s: failed to compile %s '%s': %v", sourceName, field, pattern, err)
		return nil
	}
	logger.Debug("{filter/filter - GetOrCreateFilter} Source %s: compiled %s '%s'", sourceName, field, pattern)
	return re
}

// FilterChannels applies the source's include/exclude patterns to channel
// titles, then narrows by the quality pattern on stream URLs. The quality
// step is advisory: when nothing matches it, the list is left as it was.
func FilterChannels(channels []types.ChannelRecord, source *config.SourceConfig, fm *FilterManager) []types.ChannelRecord {
	if source.IncludeRegex == "" && source.ExcludeRegex == "" && source.QualityFilter == "" {
		return channels
	}

	f := fm.GetOrCreateFilter(source)
	filtered := make([]types.ChannelRecord, 0, len(channels))

	for _, ch := range channels {
		title := strings.TrimSpace(ch.Title)
		if f.Include != nil && !f.Include.MatchString(title) {
			continue
		}
		if f.Exclude != nil && f.Exclude.MatchString(title) {
			continue
		}
		filtered = append(filtered, ch)
	}

	if f.Quality != nil {
		preferred := make([]types.ChannelRecord, 0, len(filtered))
		for _, ch := range filtered {
			if f.Quality.MatchString(ch.SourceURL) {
				preferred = append(preferred, ch)
			}
		}
		if len(preferred) > 0 {
			filtered = preferred
		} else {
			logger.Debug("{filter/filter - FilterChannels} Source %s: quality filter matched nothing, keeping %d channels", source.Name, len(filtered))
		}
	}

	logger.Debug("{filter/filter - FilterChannels} Filtered %d -> %d channels for source %s", len(channels), len(filtered), source.Name)
	return filtered
}
