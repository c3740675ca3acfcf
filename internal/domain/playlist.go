package domain

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"
)

type PlaylistID string

// Playlist is an ordered list of tracks. Positions inside the store are
// contiguous [0..len-1]; the slice order here is the source of truth.
type Playlist struct {
	ID          PlaylistID `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Creator     string     `json:"creator,omitempty"`
	Cover       string     `json:"cover,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"createdAt,omitzero"`
	UpdatedAt   time.Time  `json:"updatedAt,omitzero"`
	Songs       []Track    `json:"songs"`
}

// NewPlaylist fills in a derived ID when the document did not supply one.
func NewPlaylist(p Playlist) Playlist {
	if p.ID == "" {
		sum := md5.Sum([]byte(p.Name + "_" + p.Creator))
		p.ID = PlaylistID(hex.EncodeToString(sum[:])[:16])
	}
	return p
}

// Validate checks domain invariants for Playlist.
func (p Playlist) Validate() error {
	if p.ID == "" {
		return errors.New("playlist id is required")
	}
	if p.Name == "" {
		return errors.New("playlist name is required")
	}
	return nil
}

// AddSong appends a track unless the same id is already present.
func (p *Playlist) AddSong(t Track) {
	for _, existing := range p.Songs {
		if existing.ID == t.ID {
			return
		}
	}
	p.Songs = append(p.Songs, t)
}

// RemoveSong deletes the first track with the given id, preserving order.
func (p *Playlist) RemoveSong(id TrackID) bool {
	for i, t := range p.Songs {
		if t.ID == id {
			p.Songs = append(p.Songs[:i], p.Songs[i+1:]...)
			return true
		}
	}
	return false
}
