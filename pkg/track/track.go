// Package track holds the now-playing data model shared by the ingest, storage and
// distribution paths: the per-station TrackState, immutable history entries, the
// raw title parser and the bounded recent-history ring.
package track

import (
	"strings"
	"time"
)

// Loading is the artist/title placeholder used before a station reports its first track.
const Loading = "loading"

// Delimiter separates the artist from the title in a raw stream title.
const Delimiter = " - "

// State is the current track of a station.
type State struct {
	Artist       string    `json:"artist"`
	Title        string    `json:"title"`
	ImageURL     *string   `json:"imageURL"`
	ExternalLink *string   `json:"externalLink"`
	ObservedAt   time.Time `json:"observedAt"`
}

// Placeholder returns the state a station holds until its first track arrives.
func Placeholder(now time.Time) State {
	return State{Artist: Loading, Title: Loading, ObservedAt: now}
}

// IsPlaceholder reports whether s is still the pre-metadata placeholder.
func (s State) IsPlaceholder() bool {
	return s.Artist == Loading && s.Title == Loading
}

// Same reports whether the normalized pair equals the current track. Comparison is
// case-sensitive.
func (s State) Same(artist, title string) bool {
	return s.Artist == artist && s.Title == title
}

// Entry is one confirmed track change. Entries are never updated once created.
type Entry struct {
	ID           int64     `json:"id,omitempty" db:"id"`
	Station      string    `json:"station" db:"station"`
	Artist       string    `json:"artist" db:"artist"`
	Title        string    `json:"title" db:"title"`
	ObservedAt   time.Time `json:"observedAt" db:"observed_at"`
	ImageURL     *string   `json:"imageURL" db:"image_url"`
	ExternalLink *string   `json:"externalLink" db:"external_link"`
}

// State returns the TrackState equivalent of the entry.
func (e Entry) State() State {
	return State{
		Artist:       e.Artist,
		Title:        e.Title,
		ImageURL:     e.ImageURL,
		ExternalLink: e.ExternalLink,
		ObservedAt:   e.ObservedAt,
	}
}

// Normalize trims surrounding whitespace from both fields.
func Normalize(artist, title string) (string, string) {
	return strings.TrimSpace(artist), strings.TrimSpace(title)
}

// ParseTitle splits a raw stream title into artist and title. The first segment
// before Delimiter is the artist, every following segment is rejoined into the
// title. ok is false when the raw title has no delimiter or either side is empty.
func ParseTitle(raw string) (artist, title string, ok bool) {
	parts := strings.Split(raw, Delimiter)
	if len(parts) < 2 {
		return "", "", false
	}

	artist, title = Normalize(parts[0], strings.Join(parts[1:], Delimiter))
	if artist == "" || title == "" {
		return "", "", false
	}

	return artist, title, true
}

// Snapshot is the full state of one station as sent to viewers: the current track
// and its recent history, newest first.
type Snapshot struct {
	Station string  `json:"station"`
	State   State   `json:"trackState"`
	Recent  []Entry `json:"recentHistory"`
}
