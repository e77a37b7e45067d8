package shoutcast

import (
	"strings"
)

// Metadata holds the fields of one ICY metadata block.
type Metadata struct {
	// Title of the currently playing track, usually "Artist - Title"
	StreamTitle string

	// Optional URL announced by the station
	StreamURL string
}

// NewMetadata parses a raw metadata block of the form
// StreamTitle='Artist - Title';StreamUrl='...'; padded with NUL bytes.
func NewMetadata(b []byte) *Metadata {
	m := &Metadata{}

	raw := strings.TrimRight(string(b), "\x00")
	for raw != "" {
		eq := strings.Index(raw, "='")
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(raw[:eq])
		rest := raw[eq+2:]

		// Values may contain quotes and semicolons, so the value ends at the
		// first "';" or at the end of the block.
		end := strings.Index(rest, "';")
		var value string
		if end < 0 {
			value = strings.TrimSuffix(rest, "'")
			raw = ""
		} else {
			value = rest[:end]
			raw = rest[end+2:]
		}

		switch strings.ToLower(key) {
		case "streamtitle":
			m.StreamTitle = value
		case "streamurl":
			m.StreamURL = value
		}
	}

	return m
}

// Equals compares two metadata values. A nil receiver or argument is only equal to nil.
func (m *Metadata) Equals(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.StreamTitle == other.StreamTitle && m.StreamURL == other.StreamURL
}
