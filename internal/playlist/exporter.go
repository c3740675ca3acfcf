package playlist

import (
	"encoding/json"
	"fmt"
	"os"

	"botplayer/internal/domain"
)

// Export formats.
const (
	FormatSimple    = "simple"
	FormatMusicFree = "musicfree"
)

// Export serializes a playlist into one of the supported document formats.
// Importing the result yields the same playlist back.
func Export(playlist domain.Playlist, format string) ([]byte, error) {
	switch format {
	case FormatSimple:
		data, err := json.MarshalIndent(playlist, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("%w: export: %s", domain.ErrProtocol, err)
		}
		return data, nil
	case FormatMusicFree:
		data, err := json.MarshalIndent(toMusicFree(playlist), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("%w: export: %s", domain.ErrProtocol, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: export format %q", domain.ErrUnsupported, format)
	}
}

// ExportFile writes the serialized playlist to disk.
func ExportFile(playlist domain.Playlist, path, format string) error {
	data, err := Export(playlist, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %s", domain.ErrStore, path, err)
	}
	return nil
}

func toMusicFree(playlist domain.Playlist) map[string]any {
	musicList := make([]musicFreeItem, 0, len(playlist.Songs))
	for _, song := range playlist.Songs {
		musicList = append(musicList, musicFreeItem{
			ID:       string(song.ID),
			Title:    song.Title,
			Artist:   song.Artist,
			Album:    song.Album,
			Duration: song.Duration,
			Platform: song.Source,
			Artwork:  song.Artwork,
			AID:      song.ExtraString("aid"),
			BVID:     song.ExtraString("bvid"),
			Tags:     song.Tags,
			Date:     song.Date,
			URL:      song.URL,
		})
	}
	return map[string]any{
		"musicSheets": []map[string]any{{
			"id":        string(playlist.ID),
			"platform":  playlist.Name,
			"musicList": musicList,
		}},
	}
}
