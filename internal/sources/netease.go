package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"botplayer/internal/domain"
)

const (
	neteaseSearchURL = "https://music.163.com/api/search/get/web"
	neteaseSongBase  = "https://music.163.com/#/song?id="
)

// Netease searches the netease cloud music web API. Durations come back in
// milliseconds and are normalized to seconds here.
type Netease struct {
	http    *http.Client
	enabled bool
}

func NewNetease(client *http.Client) *Netease {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Netease{http: client, enabled: true}
}

func (n *Netease) Info() SourceInfo {
	return SourceInfo{Name: "netease", Version: "1.0.0", Enabled: n.enabled}
}

func (n *Netease) SetEnabled(enabled bool) { n.enabled = enabled }

type neteaseSearchResponse struct {
	Code   int `json:"code"`
	Result struct {
		Songs []neteaseSong `json:"songs"`
	} `json:"result"`
}

type neteaseSong struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Name   string `json:"name"`
		PicURL string `json:"picUrl"`
	} `json:"album"`
	Duration int64 `json:"duration"` // milliseconds
}

func (n *Netease) Search(ctx context.Context, query string, limit int) ([]domain.Track, error) {
	if limit <= 0 {
		limit = 10
	}

	params := url.Values{
		"s":      {query},
		"type":   {"1"}, // songs
		"limit":  {strconv.Itoa(limit)},
		"offset": {"0"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, neteaseSearchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	req.Header.Set("Referer", "https://music.163.com/")

	resp, err := n.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: netease search: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: netease search HTTP %d", domain.ErrSource, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: netease search: %v", domain.ErrNetwork, err)
	}

	var decoded neteaseSearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: netease search: %v", domain.ErrSource, err)
	}
	if decoded.Code != 200 {
		return nil, fmt.Errorf("%w: netease search code %d", domain.ErrSource, decoded.Code)
	}

	tracks := make([]domain.Track, 0, len(decoded.Result.Songs))
	for _, song := range decoded.Result.Songs {
		if len(tracks) >= limit {
			break
		}
		if song.ID == 0 || strings.TrimSpace(song.Name) == "" {
			continue
		}
		artists := make([]string, 0, len(song.Artists))
		for _, artist := range song.Artists {
			if artist.Name != "" {
				artists = append(artists, artist.Name)
			}
		}
		artist := strings.Join(artists, ", ")
		if artist == "" {
			artist = "unknown"
		}
		tracks = append(tracks, domain.NewTrack(domain.Track{
			Title:    song.Name,
			Artist:   artist,
			Album:    song.Album.Name,
			Duration: int(song.Duration / 1000),
			Source:   "netease",
			Artwork:  song.Album.PicURL,
			URL:      neteaseSongBase + strconv.FormatInt(song.ID, 10),
			Extra: map[string]any{
				"netease_id": strconv.FormatInt(song.ID, 10),
			},
		}))
	}
	return tracks, nil
}

// Resolve hands the song page URL to the extractor.
func (n *Netease) Resolve(_ context.Context, track domain.Track) (string, error) {
	if strings.TrimSpace(track.URL) != "" {
		return track.URL, nil
	}
	if id := track.ExtraString("netease_id"); id != "" {
		return neteaseSongBase + id, nil
	}
	return "", fmt.Errorf("%w: track %s has no netease id", domain.ErrNotFound, track.ID)
}
