package playlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"botplayer/internal/domain"
	"botplayer/internal/metrics"
)

const (
	defaultMaxFileSize  = 5 << 20
	defaultFetchTimeout = 30 * time.Second
	importerUserAgent   = "BotPlayer/1.0"
)

// defaultAllowedDomains is the host allow-list for remote imports. A host
// passes when it equals an entry or is a subdomain of one.
var defaultAllowedDomains = []string{
	"github.com",
	"raw.githubusercontent.com",
	"gist.github.com",
	"gist.githubusercontent.com",
	"gitlab.com",
	"cdn.jsdelivr.net",
	"unpkg.com",
}

var (
	ErrUnsafeURL = errors.New("playlist url not allowed")
	ErrTooLarge  = errors.New("playlist document too large")
)

// Importer fetches and parses playlist documents. Remote documents pass a
// https-only host allow-list and a size cap before any body read; local files
// bypass both.
type Importer struct {
	http        *http.Client
	logger      *slog.Logger
	allowed     []string
	maxFileSize int64
	timeout     time.Duration
}

type Option func(*Importer)

func WithAllowedDomains(domains []string) Option {
	return func(i *Importer) {
		if len(domains) > 0 {
			i.allowed = domains
		}
	}
}

func WithMaxFileSize(size int64) Option {
	return func(i *Importer) {
		if size > 0 {
			i.maxFileSize = size
		}
	}
}

func WithFetchTimeout(timeout time.Duration) Option {
	return func(i *Importer) {
		if timeout > 0 {
			i.timeout = timeout
		}
	}
}

func NewImporter(client *http.Client, logger *slog.Logger, opts ...Option) *Importer {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	imp := &Importer{
		http:        client,
		logger:      logger,
		allowed:     defaultAllowedDomains,
		maxFileSize: defaultMaxFileSize,
		timeout:     defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(imp)
	}
	return imp
}

// ImportURL fetches a remote playlist document and parses it.
func (i *Importer) ImportURL(ctx context.Context, rawURL string) (domain.Playlist, error) {
	if err := i.checkURL(rawURL); err != nil {
		metrics.PlaylistImportsTotal.WithLabelValues("unknown", "rejected").Inc()
		return domain.Playlist{}, err
	}

	body, err := i.fetch(ctx, rawURL)
	if err != nil {
		metrics.PlaylistImportsTotal.WithLabelValues("unknown", "error").Inc()
		return domain.Playlist{}, err
	}
	return i.Parse(body, rawURL)
}

// ImportFile parses a playlist document from the local filesystem. The URL
// safety gate and size cap do not apply.
func (i *Importer) ImportFile(path string) (domain.Playlist, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return domain.Playlist{}, fmt.Errorf("%w: read %s: %s", domain.ErrNotFound, path, err)
	}
	return i.Parse(body, path)
}

func (i *Importer) checkURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsafeURL, err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q, only https is accepted", ErrUnsafeURL, parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	for _, allowed := range i.allowed {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q is not on the allow-list", ErrUnsafeURL, host)
}

func (i *Importer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNetwork, err)
	}
	req.Header.Set("User-Agent", importerUserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := i.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %s", domain.ErrNetwork, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch %s: status %d", domain.ErrNetwork, rawURL, resp.StatusCode)
	}
	if resp.ContentLength > i.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes, cap is %d", ErrTooLarge, resp.ContentLength, i.maxFileSize)
	}

	// Content-Length can lie or be absent; cap the read as well.
	body, err := io.ReadAll(io.LimitReader(resp.Body, i.maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %s", domain.ErrNetwork, err)
	}
	if int64(len(body)) > i.maxFileSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, i.maxFileSize)
	}
	return body, nil
}

// Parse detects the document format and maps it to a Playlist. Detection
// order matters: MusicFree backup, then Netease, then Spotify, then the
// simple native shape as the fallback.
func (i *Importer) Parse(body []byte, source string) (domain.Playlist, error) {
	var probe struct {
		MusicSheets []json.RawMessage `json:"musicSheets"`
		Playlist    struct {
			Tracks []json.RawMessage `json:"tracks"`
		} `json:"playlist"`
		Tracks struct {
			Items []json.RawMessage `json:"items"`
		} `json:"tracks"`
		Name  *string           `json:"name"`
		Songs []json.RawMessage `json:"songs"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		metrics.PlaylistImportsTotal.WithLabelValues("unknown", "error").Inc()
		return domain.Playlist{}, fmt.Errorf("%w: invalid json: %s", domain.ErrProtocol, err)
	}

	var (
		format   string
		playlist domain.Playlist
		err      error
	)
	switch {
	case probe.MusicSheets != nil:
		format = "musicfree"
		playlist, err = parseMusicFree(body, source)
	case probe.Playlist.Tracks != nil:
		format = "netease"
		playlist, err = parseNetease(body, source)
	case probe.Tracks.Items != nil:
		format = "spotify"
		playlist, err = parseSpotify(body, source)
	case probe.Name != nil && probe.Songs != nil:
		format = "simple"
		playlist, err = parseSimple(body, source)
	default:
		format = "simple"
		playlist, err = parseSimple(body, source)
		if err != nil {
			metrics.PlaylistImportsTotal.WithLabelValues("unknown", "error").Inc()
			return domain.Playlist{}, fmt.Errorf("%w: unknown format", domain.ErrProtocol)
		}
	}
	if err != nil {
		metrics.PlaylistImportsTotal.WithLabelValues(format, "error").Inc()
		return domain.Playlist{}, err
	}

	metrics.PlaylistImportsTotal.WithLabelValues(format, "success").Inc()
	i.logger.Info("playlist imported",
		"format", format, "name", playlist.Name, "tracks", len(playlist.Songs), "source", source)
	return playlist, nil
}

type musicFreeItem struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Artist   string   `json:"artist"`
	Album    string   `json:"album"`
	Duration int      `json:"duration"`
	Platform string   `json:"platform"`
	Artwork  string   `json:"artwork"`
	AID      string   `json:"aid"`
	BVID     string   `json:"bvid"`
	Tags     []string `json:"tags"`
	Date     string   `json:"date"`
	URL      string   `json:"url"`
}

func parseMusicFree(body []byte, source string) (domain.Playlist, error) {
	var doc struct {
		MusicSheets []struct {
			ID        string          `json:"id"`
			Platform  string          `json:"platform"`
			MusicList []musicFreeItem `json:"musicList"`
		} `json:"musicSheets"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.Playlist{}, fmt.Errorf("%w: musicfree backup: %s", domain.ErrProtocol, err)
	}
	if len(doc.MusicSheets) == 0 {
		return domain.Playlist{}, fmt.Errorf("%w: musicfree backup has no sheets", domain.ErrProtocol)
	}

	// Only the first sheet is taken; MusicFree backups bundle every sheet of
	// the app and the first one is the user's primary list.
	sheet := doc.MusicSheets[0]
	name := sheet.Platform
	if name == "" {
		name = "Imported Playlist"
	}
	playlist := domain.NewPlaylist(domain.Playlist{
		ID:          domain.PlaylistID(sheet.ID),
		Name:        name,
		Description: "Imported from " + source,
	})
	for _, item := range sheet.MusicList {
		playlist.AddSong(musicFreeTrack(item))
	}
	return playlist, nil
}

func musicFreeTrack(item musicFreeItem) domain.Track {
	playURL := item.URL
	if item.Platform == "bilibili" && item.BVID != "" {
		playURL = "https://www.bilibili.com/video/" + item.BVID
	}
	extra := map[string]any{}
	if item.BVID != "" {
		extra["bvid"] = item.BVID
	}
	if item.AID != "" {
		extra["aid"] = item.AID
	}
	if len(extra) == 0 {
		extra = nil
	}
	return domain.NewTrack(domain.Track{
		ID:       domain.TrackID(item.ID),
		Title:    item.Title,
		Artist:   item.Artist,
		Album:    item.Album,
		Duration: item.Duration,
		Source:   item.Platform,
		Artwork:  item.Artwork,
		URL:      playURL,
		Tags:     item.Tags,
		Date:     item.Date,
		Extra:    extra,
	})
}

func parseNetease(body []byte, source string) (domain.Playlist, error) {
	var doc struct {
		Playlist struct {
			ID          json.Number `json:"id"`
			Name        string      `json:"name"`
			Description string      `json:"description"`
			Creator     struct {
				Nickname string `json:"nickname"`
			} `json:"creator"`
			CoverImgURL string   `json:"coverImgUrl"`
			Tags        []string `json:"tags"`
			Tracks      []struct {
				ID      json.Number `json:"id"`
				Name    string      `json:"name"`
				Artists []struct {
					Name string `json:"name"`
				} `json:"artists"`
				Album struct {
					Name   string `json:"name"`
					PicURL string `json:"picUrl"`
				} `json:"album"`
				Duration int `json:"duration"` // milliseconds
			} `json:"tracks"`
		} `json:"playlist"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.Playlist{}, fmt.Errorf("%w: netease playlist: %s", domain.ErrProtocol, err)
	}

	header := doc.Playlist
	playlist := domain.NewPlaylist(domain.Playlist{
		ID:          domain.PlaylistID(header.ID.String()),
		Name:        orDefault(header.Name, "Netease Playlist"),
		Description: orDefault(header.Description, "Imported from "+source),
		Creator:     orDefault(header.Creator.Nickname, "Unknown"),
		Cover:       header.CoverImgURL,
		Tags:        header.Tags,
	})
	for _, item := range header.Tracks {
		playlist.AddSong(domain.NewTrack(domain.Track{
			ID:       domain.TrackID(item.ID.String()),
			Title:    item.Name,
			Artist:   joinArtistNames(artistNames(item.Artists)),
			Album:    item.Album.Name,
			Duration: item.Duration / 1000,
			Source:   "netease",
			Artwork:  item.Album.PicURL,
			URL:      "https://music.163.com/song/" + item.ID.String(),
			Extra:    map[string]any{"netease_id": item.ID.String()},
		}))
	}
	return playlist, nil
}

func parseSpotify(body []byte, source string) (domain.Playlist, error) {
	var doc struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Owner       struct {
			DisplayName string `json:"display_name"`
		} `json:"owner"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		Tracks struct {
			Items []struct {
				Track struct {
					ID      string `json:"id"`
					Name    string `json:"name"`
					Artists []struct {
						Name string `json:"name"`
					} `json:"artists"`
					Album struct {
						Name   string `json:"name"`
						Images []struct {
							URL string `json:"url"`
						} `json:"images"`
					} `json:"album"`
					DurationMS   int `json:"duration_ms"`
					ExternalURLs struct {
						Spotify string `json:"spotify"`
					} `json:"external_urls"`
				} `json:"track"`
			} `json:"items"`
		} `json:"tracks"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.Playlist{}, fmt.Errorf("%w: spotify playlist: %s", domain.ErrProtocol, err)
	}

	playlist := domain.NewPlaylist(domain.Playlist{
		ID:          domain.PlaylistID(doc.ID),
		Name:        orDefault(doc.Name, "Spotify Playlist"),
		Description: orDefault(doc.Description, "Imported from "+source),
		Creator:     orDefault(doc.Owner.DisplayName, "Unknown"),
	})
	if len(doc.Images) > 0 {
		playlist.Cover = doc.Images[0].URL
	}
	for _, item := range doc.Tracks.Items {
		track := item.Track
		artwork := ""
		if len(track.Album.Images) > 0 {
			artwork = track.Album.Images[0].URL
		}
		names := make([]string, 0, len(track.Artists))
		for _, artist := range track.Artists {
			names = append(names, artist.Name)
		}
		playlist.AddSong(domain.NewTrack(domain.Track{
			ID:       domain.TrackID(track.ID),
			Title:    track.Name,
			Artist:   joinArtistNames(names),
			Album:    track.Album.Name,
			Duration: track.DurationMS / 1000,
			Source:   "spotify",
			Artwork:  artwork,
			URL:      track.ExternalURLs.Spotify,
			Extra:    map[string]any{"spotify_id": track.ID},
		}))
	}
	return playlist, nil
}

func parseSimple(body []byte, source string) (domain.Playlist, error) {
	var playlist domain.Playlist
	if err := json.Unmarshal(body, &playlist); err != nil {
		return domain.Playlist{}, fmt.Errorf("%w: simple playlist: %s", domain.ErrProtocol, err)
	}
	if playlist.Name == "" {
		return domain.Playlist{}, fmt.Errorf("%w: simple playlist missing name", domain.ErrProtocol)
	}
	if playlist.Description == "" {
		playlist.Description = "Imported from " + source
	}
	songs := playlist.Songs
	playlist.Songs = nil
	playlist = domain.NewPlaylist(playlist)
	for _, song := range songs {
		playlist.AddSong(domain.NewTrack(song))
	}
	return playlist, nil
}

func artistNames(artists []struct {
	Name string `json:"name"`
}) []string {
	names := make([]string, 0, len(artists))
	for _, artist := range artists {
		names = append(names, artist.Name)
	}
	return names
}

func joinArtistNames(names []string) string {
	filtered := names[:0]
	for _, name := range names {
		if name != "" {
			filtered = append(filtered, name)
		}
	}
	if len(filtered) == 0 {
		return "Unknown"
	}
	return strings.Join(filtered, ", ")
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
