package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"botplayer/internal/domain"
)

// Store is the durable metadata layer: tracks, playlists, the playlist
// ordering table and the play history log. It shares nothing with the audio
// cache's store; deleting one never corrupts the other.
type Store struct {
	db *sql.DB
	mu sync.Mutex // writer lock for multi-statement mutations
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open: %s", domain.ErrStore, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tracks (
	id       TEXT PRIMARY KEY,
	title    TEXT NOT NULL,
	artist   TEXT NOT NULL,
	album    TEXT NOT NULL DEFAULT '',
	duration INTEGER NOT NULL DEFAULT 0,
	source   TEXT NOT NULL DEFAULT '',
	artwork  TEXT NOT NULL DEFAULT '',
	url      TEXT NOT NULL DEFAULT '',
	tags     TEXT NOT NULL DEFAULT '[]',
	date     TEXT NOT NULL DEFAULT '',
	extra    TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS playlists (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	creator     TEXT NOT NULL DEFAULT '',
	cover       TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_playlists_name ON playlists(name);
CREATE TABLE IF NOT EXISTS playlist_tracks (
	playlist_id TEXT NOT NULL,
	position    INTEGER NOT NULL,
	track_id    TEXT NOT NULL,
	PRIMARY KEY (playlist_id, position)
);
CREATE TABLE IF NOT EXISTS play_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	track_id        TEXT NOT NULL,
	played_at       INTEGER NOT NULL,
	duration_played INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_play_history_at ON play_history(played_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrate: %s", domain.ErrStore, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertTrack persists a track. Tracks are written lazily on first
// reference and only the url is expected to change afterwards.
func (s *Store) UpsertTrack(track domain.Track) error {
	if err := track.Validate(); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrStore, err)
	}
	tags, extra, err := encodeTrackJSON(track)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO tracks
		 (id, title, artist, album, duration, source, artwork, url, tags, date, extra)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(track.ID), track.Title, track.Artist, track.Album, track.Duration,
		track.Source, track.Artwork, track.URL, tags, track.Date, extra,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert track: %s", domain.ErrStore, err)
	}
	return nil
}

func (s *Store) GetTrack(id domain.TrackID) (domain.Track, error) {
	row := s.db.QueryRow(
		`SELECT id, title, artist, album, duration, source, artwork, url, tags, date, extra
		 FROM tracks WHERE id = ?`, string(id),
	)
	track, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Track{}, fmt.Errorf("%w: track %s", domain.ErrNotFound, id)
	}
	return track, err
}

// UpsertPlaylist replaces the playlist header and its full song list in one
// transaction. On failure the previous state survives.
func (s *Store) UpsertPlaylist(playlist domain.Playlist) error {
	if err := playlist.Validate(); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrStore, err)
	}
	tags, err := json.Marshal(playlist.Tags)
	if err != nil {
		return fmt.Errorf("%w: encode tags: %s", domain.ErrStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %s", domain.ErrStore, err)
	}
	defer tx.Rollback()

	createdAt := playlist.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO playlists
		 (id, name, description, creator, cover, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(playlist.ID), playlist.Name, playlist.Description, playlist.Creator,
		playlist.Cover, string(tags), createdAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert playlist: %s", domain.ErrStore, err)
	}

	if _, err := tx.Exec(
		`DELETE FROM playlist_tracks WHERE playlist_id = ?`, string(playlist.ID),
	); err != nil {
		return fmt.Errorf("%w: reset playlist tracks: %s", domain.ErrStore, err)
	}

	for position, track := range playlist.Songs {
		trackTags, extra, err := encodeTrackJSON(track)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO tracks
			 (id, title, artist, album, duration, source, artwork, url, tags, date, extra)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(track.ID), track.Title, track.Artist, track.Album, track.Duration,
			track.Source, track.Artwork, track.URL, trackTags, track.Date, extra,
		); err != nil {
			return fmt.Errorf("%w: upsert playlist track: %s", domain.ErrStore, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO playlist_tracks (playlist_id, position, track_id) VALUES (?, ?, ?)`,
			string(playlist.ID), position, string(track.ID),
		); err != nil {
			return fmt.Errorf("%w: insert playlist position: %s", domain.ErrStore, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %s", domain.ErrStore, err)
	}
	return nil
}

func (s *Store) DeletePlaylist(id domain.PlaylistID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %s", domain.ErrStore, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM playlist_tracks WHERE playlist_id = ?`, string(id)); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrStore, err)
	}
	result, err := tx.Exec(`DELETE FROM playlists WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrStore, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: playlist %s", domain.ErrNotFound, id)
	}
	return tx.Commit()
}

// PlaylistSummary is a playlist header plus its track count, for listings.
type PlaylistSummary struct {
	ID         domain.PlaylistID `json:"id"`
	Name       string            `json:"name"`
	Creator    string            `json:"creator"`
	TrackCount int               `json:"trackCount"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func (s *Store) ListPlaylists() ([]PlaylistSummary, error) {
	rows, err := s.db.Query(`
		SELECT p.id, p.name, p.creator, p.updated_at, COUNT(pt.track_id)
		FROM playlists p
		LEFT JOIN playlist_tracks pt ON pt.playlist_id = p.id
		GROUP BY p.id
		ORDER BY p.name`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list playlists: %s", domain.ErrStore, err)
	}
	defer rows.Close()

	var summaries []PlaylistSummary
	for rows.Next() {
		var item PlaylistSummary
		var updatedAt int64
		if err := rows.Scan(&item.ID, &item.Name, &item.Creator, &updatedAt, &item.TrackCount); err != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrStore, err)
		}
		item.UpdatedAt = time.Unix(updatedAt, 0)
		summaries = append(summaries, item)
	}
	return summaries, rows.Err()
}

// LoadPlaylist returns the playlist with its tracks in stored order.
func (s *Store) LoadPlaylist(id domain.PlaylistID) (domain.Playlist, error) {
	return s.loadPlaylist(`id = ?`, string(id))
}

// LoadPlaylistByName resolves the user-facing playlist name.
func (s *Store) LoadPlaylistByName(name string) (domain.Playlist, error) {
	return s.loadPlaylist(`name = ?`, name)
}

func (s *Store) loadPlaylist(where string, arg any) (domain.Playlist, error) {
	var playlist domain.Playlist
	var tags string
	var createdAt, updatedAt int64
	err := s.db.QueryRow(
		`SELECT id, name, description, creator, cover, tags, created_at, updated_at
		 FROM playlists WHERE `+where, arg,
	).Scan(&playlist.ID, &playlist.Name, &playlist.Description, &playlist.Creator,
		&playlist.Cover, &tags, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Playlist{}, fmt.Errorf("%w: playlist %v", domain.ErrNotFound, arg)
	}
	if err != nil {
		return domain.Playlist{}, fmt.Errorf("%w: load playlist: %s", domain.ErrStore, err)
	}
	if err := json.Unmarshal([]byte(tags), &playlist.Tags); err != nil {
		playlist.Tags = nil
	}
	playlist.CreatedAt = time.Unix(createdAt, 0)
	playlist.UpdatedAt = time.Unix(updatedAt, 0)

	rows, err := s.db.Query(
		`SELECT t.id, t.title, t.artist, t.album, t.duration, t.source, t.artwork, t.url, t.tags, t.date, t.extra
		 FROM playlist_tracks pt
		 JOIN tracks t ON t.id = pt.track_id
		 WHERE pt.playlist_id = ?
		 ORDER BY pt.position`, string(playlist.ID),
	)
	if err != nil {
		return domain.Playlist{}, fmt.Errorf("%w: load playlist tracks: %s", domain.ErrStore, err)
	}
	defer rows.Close()

	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return domain.Playlist{}, err
		}
		playlist.Songs = append(playlist.Songs, track)
	}
	return playlist, rows.Err()
}

// AppendHistory records one playback start.
func (s *Store) AppendHistory(trackID domain.TrackID, playedAt time.Time, durationPlayed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO play_history (track_id, played_at, duration_played) VALUES (?, ?, ?)`,
		string(trackID), playedAt.Unix(), durationPlayed,
	)
	if err != nil {
		return fmt.Errorf("%w: append history: %s", domain.ErrStore, err)
	}
	return nil
}

// HistoryEntry joins a history row with its track metadata.
type HistoryEntry struct {
	Track          domain.Track `json:"track"`
	PlayedAt       time.Time    `json:"playedAt"`
	DurationPlayed int          `json:"durationPlayed"`
}

// RecentHistory returns the newest history entries, most recent first.
func (s *Store) RecentHistory(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		`SELECT t.id, t.title, t.artist, t.album, t.duration, t.source, t.artwork, t.url, t.tags, t.date, t.extra,
		        h.played_at, h.duration_played
		 FROM play_history h
		 JOIN tracks t ON t.id = h.track_id
		 ORDER BY h.played_at DESC, h.id DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %s", domain.ErrStore, err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var tags, extra string
		var playedAt int64
		err := rows.Scan(
			&entry.Track.ID, &entry.Track.Title, &entry.Track.Artist, &entry.Track.Album,
			&entry.Track.Duration, &entry.Track.Source, &entry.Track.Artwork, &entry.Track.URL,
			&tags, &entry.Track.Date, &extra, &playedAt, &entry.DurationPlayed,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrStore, err)
		}
		decodeTrackJSON(&entry.Track, tags, extra)
		entry.PlayedAt = time.Unix(playedAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (domain.Track, error) {
	var track domain.Track
	var tags, extra string
	err := row.Scan(
		&track.ID, &track.Title, &track.Artist, &track.Album, &track.Duration,
		&track.Source, &track.Artwork, &track.URL, &tags, &track.Date, &extra,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Track{}, err
		}
		return domain.Track{}, fmt.Errorf("%w: scan track: %s", domain.ErrStore, err)
	}
	decodeTrackJSON(&track, tags, extra)
	return track, nil
}

func encodeTrackJSON(track domain.Track) (tags, extra string, err error) {
	tagsRaw, err := json.Marshal(track.Tags)
	if err != nil {
		return "", "", fmt.Errorf("%w: encode tags: %s", domain.ErrStore, err)
	}
	extraRaw, err := json.Marshal(track.Extra)
	if err != nil {
		return "", "", fmt.Errorf("%w: encode extra: %s", domain.ErrStore, err)
	}
	return string(tagsRaw), string(extraRaw), nil
}

func decodeTrackJSON(track *domain.Track, tags, extra string) {
	if err := json.Unmarshal([]byte(tags), &track.Tags); err != nil {
		track.Tags = nil
	}
	if err := json.Unmarshal([]byte(extra), &track.Extra); err != nil {
		track.Extra = nil
	}
}
