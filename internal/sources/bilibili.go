package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"botplayer/internal/domain"
)

const (
	bilibiliSearchURL = "https://api.bilibili.com/x/web-interface/search/type"
	bilibiliVideoBase = "https://www.bilibili.com/video/"

	// Search results outside this window are music-unfriendly (shorts or
	// full concerts) and would be rejected by the download gate anyway.
	bilibiliMinDuration = 10
	bilibiliMaxDuration = 1800
)

var htmlTagRE = regexp.MustCompile(`<[^>]+>`)

// Bilibili searches bilibili video metadata through the public web search
// API. Resolution hands the video page URL to the extractor, which does the
// actual stream selection.
type Bilibili struct {
	http    *http.Client
	enabled bool
}

func NewBilibili(client *http.Client) *Bilibili {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Bilibili{http: client, enabled: true}
}

func (b *Bilibili) Info() SourceInfo {
	return SourceInfo{Name: "bilibili", Version: "1.0.0", Enabled: b.enabled}
}

func (b *Bilibili) SetEnabled(enabled bool) { b.enabled = enabled }

type bilibiliSearchResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Result []bilibiliItem `json:"result"`
	} `json:"data"`
}

type bilibiliItem struct {
	BVID        string `json:"bvid"`
	AID         int64  `json:"aid"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Duration    string `json:"duration"` // "mm:ss" or "hh:mm:ss"
	Pic         string `json:"pic"`
	Description string `json:"description"`
	Play        int64  `json:"play"`
	PubDate     int64  `json:"pubdate"`
}

func (b *Bilibili) Search(ctx context.Context, query string, limit int) ([]domain.Track, error) {
	if limit <= 0 {
		limit = 10
	}
	pageSize := limit * 2
	if pageSize > 50 {
		pageSize = 50
	}

	params := url.Values{
		"search_type": {"video"},
		"keyword":     {query},
		"page":        {"1"},
		"page_size":   {strconv.Itoa(pageSize)},
		"platform":    {"pc"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bilibiliSearchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	req.Header.Set("Referer", "https://search.bilibili.com/")
	req.Header.Set("Origin", "https://search.bilibili.com")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: bilibili search: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: bilibili search HTTP %d", domain.ErrSource, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: bilibili search: %v", domain.ErrNetwork, err)
	}

	var decoded bilibiliSearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: bilibili search: %v", domain.ErrSource, err)
	}
	if decoded.Code != 0 {
		return nil, fmt.Errorf("%w: bilibili search code %d: %s", domain.ErrSource, decoded.Code, decoded.Message)
	}

	tracks := make([]domain.Track, 0, limit)
	for _, item := range decoded.Data.Result {
		if len(tracks) >= limit {
			break
		}
		if item.BVID == "" && item.AID == 0 {
			continue
		}
		duration := parseClock(item.Duration)
		if duration < bilibiliMinDuration || duration > bilibiliMaxDuration {
			continue
		}
		tracks = append(tracks, bilibiliTrack(item, duration))
	}
	return tracks, nil
}

// Resolve returns the video page URL; synthesized from the bvid when the
// search-time URL was lost (e.g. an imported MusicFree entry).
func (b *Bilibili) Resolve(_ context.Context, track domain.Track) (string, error) {
	if strings.TrimSpace(track.URL) != "" {
		return track.URL, nil
	}
	if bvid := track.ExtraString("bvid"); bvid != "" {
		return bilibiliVideoBase + bvid, nil
	}
	return "", fmt.Errorf("%w: track %s has no bvid", domain.ErrNotFound, track.ID)
}

func bilibiliTrack(item bilibiliItem, duration int) domain.Track {
	title := strings.TrimSpace(htmlTagRE.ReplaceAllString(item.Title, ""))
	title = strings.Join(strings.Fields(title), " ")

	videoID := item.BVID
	if videoID == "" {
		videoID = strconv.FormatInt(item.AID, 10)
	}

	pic := item.Pic
	if strings.HasPrefix(pic, "//") {
		pic = "https:" + pic
	}

	artist := item.Author
	if artist == "" {
		artist = "unknown"
	}

	return domain.NewTrack(domain.Track{
		Title:    title,
		Artist:   artist,
		Album:    "Bilibili",
		Duration: duration,
		Source:   "bilibili",
		Artwork:  pic,
		URL:      bilibiliVideoBase + videoID,
		Extra: map[string]any{
			"bvid":       item.BVID,
			"aid":        strconv.FormatInt(item.AID, 10),
			"view_count": item.Play,
			"pubdate":    item.PubDate,
		},
	})
}

// parseClock converts "mm:ss" or "hh:mm:ss" to seconds; 0 on malformed input.
func parseClock(clock string) int {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}
