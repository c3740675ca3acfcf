package domain

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
)

type TrackID string

// Track is a single playable item returned by a source. The ID is stable
// across runs: sources that supply no native id get a hash of
// title+artist+source, so re-searching the same song always maps to the same
// cache and store rows.
type Track struct {
	ID       TrackID        `json:"id"`
	Title    string         `json:"title"`
	Artist   string         `json:"artist"`
	Album    string         `json:"album,omitempty"`
	Duration int            `json:"duration"` // seconds
	Source   string         `json:"source"`
	Artwork  string         `json:"artwork,omitempty"`
	URL      string         `json:"url,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Date     string         `json:"date,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// NewTrack fills in a derived ID when the source did not supply one.
func NewTrack(t Track) Track {
	if t.ID == "" {
		t.ID = DeriveTrackID(t.Title, t.Artist, t.Source)
	}
	return t
}

// DeriveTrackID hashes (title, artist, source) into a 16-char hex id.
func DeriveTrackID(title, artist, source string) TrackID {
	sum := md5.Sum([]byte(title + "_" + artist + "_" + source))
	return TrackID(hex.EncodeToString(sum[:])[:16])
}

// Validate checks domain invariants for Track.
func (t Track) Validate() error {
	if t.ID == "" {
		return errors.New("track id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("track title is required")
	}
	if t.Duration < 0 {
		return errors.New("duration must not be negative")
	}
	return nil
}

// ExtraString returns a string-valued extra field, or "" when absent.
func (t Track) ExtraString(key string) string {
	if t.Extra == nil {
		return ""
	}
	if v, ok := t.Extra[key].(string); ok {
		return v
	}
	return ""
}
