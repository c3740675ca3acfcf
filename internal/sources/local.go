package sources

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"botplayer/internal/domain"
)

var audioExtensions = map[string]struct{}{
	".mp3":  {},
	".m4a":  {},
	".opus": {},
	".ogg":  {},
	".wav":  {},
	".flac": {},
	".aac":  {},
}

// Local serves audio files already on disk. Tracks carry their absolute path
// in extras and play without going through the download pipeline.
type Local struct {
	dirs    []string
	enabled bool
}

func NewLocal(dirs []string) *Local {
	cleaned := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if d := strings.TrimSpace(dir); d != "" {
			cleaned = append(cleaned, d)
		}
	}
	return &Local{dirs: cleaned, enabled: true}
}

func (l *Local) Info() SourceInfo {
	return SourceInfo{Name: "local", Version: "1.0.0", Enabled: l.enabled}
}

func (l *Local) SetEnabled(enabled bool) { l.enabled = enabled }

// Search walks the configured music directories and matches the query
// against file names, case-insensitively.
func (l *Local) Search(ctx context.Context, query string, limit int) ([]domain.Track, error) {
	if limit <= 0 {
		limit = 10
	}
	lowered := strings.ToLower(strings.TrimSpace(query))

	var tracks []domain.Track
	for _, dir := range l.dirs {
		if len(tracks) >= limit {
			break
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, keep walking the rest
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if entry.IsDir() || len(tracks) >= limit {
				return nil
			}
			name := entry.Name()
			if _, ok := audioExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
				return nil
			}
			if !strings.Contains(strings.ToLower(name), lowered) {
				return nil
			}
			base := strings.TrimSuffix(name, filepath.Ext(name))
			artist, title := ParseFilename(base)
			tracks = append(tracks, domain.NewTrack(domain.Track{
				Title:  title,
				Artist: artist,
				Album:  "Local",
				Source: "local",
				Extra: map[string]any{
					"file_path": path,
				},
			}))
			return nil
		})
		if err != nil && err != ctx.Err() {
			return tracks, fmt.Errorf("%w: scan %s: %v", domain.ErrSource, dir, err)
		}
		if ctx.Err() != nil {
			return tracks, ctx.Err()
		}
	}
	return tracks, nil
}

// Resolve returns the absolute file path; playback bypasses the cache.
func (l *Local) Resolve(_ context.Context, track domain.Track) (string, error) {
	path := track.ExtraString("file_path")
	if path == "" {
		return "", fmt.Errorf("%w: track %s has no file path", domain.ErrNotFound, track.ID)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	return path, nil
}

// ParseFilename splits "Artist - Title" style names; the whole name becomes
// the title when no separator is present. Underscore and pipe separators are
// accepted too.
func ParseFilename(name string) (artist, title string) {
	for _, sep := range []string{" - ", "-", "_", "|"} {
		if idx := strings.Index(name, sep); idx > 0 {
			artist = strings.TrimSpace(name[:idx])
			title = strings.TrimSpace(name[idx+len(sep):])
			if artist != "" && title != "" {
				return artist, title
			}
		}
	}
	return "unknown", strings.TrimSpace(name)
}
