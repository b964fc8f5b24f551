package parser

import (
	"strings"

	"kptv-restream/work/logger"
	"kptv-restream/work/types"
)

const (
	headerDirective = "#EXTM3U"
	infoDirective   = "#EXTINF:"
	groupDirective  = "#EXTGRP:"
	unknownTitle    = "Unknown"
)

// Parse turns extended-M3U text into channel records in source order.
// It never fails: entries without a URL line are dropped, and broken
// attribute quoting only truncates the attributes of that one entry.
func Parse(text string) []types.ChannelRecord {
	records := make([]types.ChannelRecord, 0)

	var pending *types.ChannelRecord
	var pendingGroup string

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, infoDirective):
			if pending != nil {
				logger.Debug("{parser/m3u - Parse} Dropping entry %q with no URL", pending.Title)
			}
			attrs, title := ParseEXTINF(line)
			pending = newRecord(attrs, title)
			pendingGroup = ""

		case strings.HasPrefix(line, groupDirective):
			pendingGroup = strings.TrimSpace(strings.TrimPrefix(line, groupDirective))

		case strings.HasPrefix(line, "#"):
			// header and other directives carry nothing we keep

		default:
			if pending == nil {
				continue
			}
			pending.SourceURL = line
			if pending.Group == "" {
				pending.Group = pendingGroup
			}
			records = append(records, *pending)
			pending = nil
			pendingGroup = ""
		}
	}

	if pending != nil {
		logger.Debug("{parser/m3u - Parse} Dropping trailing entry %q with no URL", pending.Title)
	}

	return records
}

// ParsePlaylist is Parse for bodies fetched from an upstream. A body that has
// neither the #EXTM3U header nor a single entry is not a playlist (typically
// an HTML error page) and yields a ParseError.
func ParsePlaylist(text string) ([]types.ChannelRecord, error) {
	records := Parse(text)
	if len(records) == 0 && !hasHeader(text) {
		return records, &types.ParseError{Reason: "missing " + headerDirective + " header"}
	}
	return records, nil
}

func hasHeader(text string) bool {
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, headerDirective)
	}
	return false
}

func newRecord(attrs map[string]string, title string) *types.ChannelRecord {
	if title == "" {
		title = attrs["tvg-name"]
	}
	if title == "" {
		title = unknownTitle
	}
	return &types.ChannelRecord{
		Title:   title,
		LogoURL: attrs["tvg-logo"],
		Group:   attrs["group-title"],
		TvgID:   attrs["tvg-id"],
	}
}

// ParseEXTINF splits an #EXTINF line into its attributes (keys lowercased)
// and the free-text title following the first comma outside quotes.
//
// Keys are the run of non-space, non-colon characters right before '='.
// Values are either a double-quoted string (backslash escapes the quote) or
// the run of characters up to the next space or comma. An unterminated quote
// stops the scan; everything after it, title included, is discarded.
func ParseEXTINF(line string) (map[string]string, string) {
	attrs := make(map[string]string)
	s := strings.TrimPrefix(line, infoDirective)

	keyStart := 0
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ',':
			return attrs, strings.TrimSpace(s[i+1:])

		case c == '"':
			// stray quoted run, not attached to a key
			end, ok := skipQuoted(s, i)
			if !ok {
				return attrs, ""
			}
			i = end
			keyStart = i

		case c == '=':
			key := strings.ToLower(s[keyStart:i])
			i++
			if i < len(s) && s[i] == '"' {
				value, end, ok := readQuoted(s, i)
				if !ok {
					return attrs, ""
				}
				if key != "" {
					attrs[key] = value
				}
				i = end
			} else {
				start := i
				for i < len(s) && !isSpace(s[i]) && s[i] != ',' {
					i++
				}
				if key != "" {
					attrs[key] = s[start:i]
				}
			}
			keyStart = i

		case isSpace(c) || c == ':':
			i++
			keyStart = i

		default:
			i++
		}
	}

	return attrs, ""
}

// readQuoted reads the quoted string starting at s[open] == '"'. It returns
// the unescaped content and the index just past the closing quote.
func readQuoted(s string, open int) (string, int, bool) {
	var b strings.Builder
	for i := open + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				b.WriteByte(s[i+1])
				i++
				continue
			}
			b.WriteByte('\\')
		case '"':
			return b.String(), i + 1, true
		default:
			b.WriteByte(s[i])
		}
	}
	return "", len(s), false
}

func skipQuoted(s string, open int) (int, bool) {
	_, end, ok := readQuoted(s, open)
	return end, ok
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}
