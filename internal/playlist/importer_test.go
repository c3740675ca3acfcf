package playlist

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"botplayer/internal/domain"
)

func newTestImporter(opts ...Option) *Importer {
	return NewImporter(&http.Client{}, slog.New(slog.DiscardHandler), opts...)
}

func TestParseMusicFreeBackup(t *testing.T) {
	doc := `{"musicSheets":[{"id":"s1","platform":"Mixed","musicList":[
		{"id":"t1","title":"A","artist":"X","duration":120,"platform":"bilibili","bvid":"BV1"},
		{"id":"t2","title":"B","artist":"Y","duration":200,"platform":"bilibili","bvid":"BV2"}
	]}]}`

	playlist, err := newTestImporter().Parse([]byte(doc), "backup.json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if playlist.Name != "Mixed" {
		t.Fatalf("name: got %q, want Mixed", playlist.Name)
	}
	if len(playlist.Songs) != 2 {
		t.Fatalf("got %d songs, want 2", len(playlist.Songs))
	}
	first := playlist.Songs[0]
	if first.URL != "https://www.bilibili.com/video/BV1" {
		t.Fatalf("bilibili url not synthesized: %q", first.URL)
	}
	if first.ExtraString("bvid") != "BV1" {
		t.Fatalf("bvid not kept: %v", first.Extra)
	}
	if first.Duration != 120 || first.Source != "bilibili" {
		t.Fatalf("metadata lost: %+v", first)
	}
}

func TestParseNeteasePlaylist(t *testing.T) {
	doc := `{"playlist":{"id":123,"name":"daily","creator":{"nickname":"bob"},
		"coverImgUrl":"https://img.example/c.jpg","tags":["pop"],
		"tracks":[{"id":456,"name":"Song","artists":[{"name":"A"},{"name":"B"}],
			"album":{"name":"Alb","picUrl":"https://img.example/a.jpg"},"duration":215000}]}}`

	playlist, err := newTestImporter().Parse([]byte(doc), "netease.json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if playlist.Name != "daily" || playlist.Creator != "bob" || playlist.Cover != "https://img.example/c.jpg" {
		t.Fatalf("header mismatch: %+v", playlist)
	}
	track := playlist.Songs[0]
	if track.Duration != 215 {
		t.Fatalf("milliseconds not normalized: %d", track.Duration)
	}
	if track.Artist != "A, B" {
		t.Fatalf("artists not joined: %q", track.Artist)
	}
	if track.URL != "https://music.163.com/song/456" {
		t.Fatalf("song url: %q", track.URL)
	}
	if track.Source != "netease" {
		t.Fatalf("source: %q", track.Source)
	}
}

func TestParseSpotifyPlaylist(t *testing.T) {
	doc := `{"id":"sp1","name":"Focus","owner":{"display_name":"carol"},
		"images":[{"url":"https://img.example/cover.jpg"}],
		"tracks":{"items":[{"track":{"id":"tr1","name":"Deep","artists":[{"name":"Z"}],
			"album":{"name":"Alb","images":[{"url":"https://img.example/alb.jpg"}]},
			"duration_ms":180500,"external_urls":{"spotify":"https://open.spotify.com/track/tr1"}}}]}}`

	playlist, err := newTestImporter().Parse([]byte(doc), "spotify.json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if playlist.Creator != "carol" || playlist.Cover != "https://img.example/cover.jpg" {
		t.Fatalf("header mismatch: %+v", playlist)
	}
	track := playlist.Songs[0]
	if track.Duration != 180 {
		t.Fatalf("duration_ms not normalized: %d", track.Duration)
	}
	if track.URL != "https://open.spotify.com/track/tr1" || track.Artwork != "https://img.example/alb.jpg" {
		t.Fatalf("track mapping: %+v", track)
	}
}

func TestParseSimpleAndUnknown(t *testing.T) {
	simple := `{"name":"mine","songs":[{"id":"a1","title":"T","artist":"A","duration":90,"source":"local"}]}`
	playlist, err := newTestImporter().Parse([]byte(simple), "simple.json")
	if err != nil {
		t.Fatalf("Parse simple: %v", err)
	}
	if playlist.Name != "mine" || len(playlist.Songs) != 1 {
		t.Fatalf("simple mismatch: %+v", playlist)
	}

	if _, err := newTestImporter().Parse([]byte(`{"random":true}`), "x.json"); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("unknown format: expected protocol error, got %v", err)
	}
	if _, err := newTestImporter().Parse([]byte(`not json`), "x.json"); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("bad json: expected protocol error, got %v", err)
	}
}

func TestURLSafetyGate(t *testing.T) {
	tests := []struct {
		url  string
		safe bool
	}{
		{"https://raw.githubusercontent.com/u/r/main/p.json", true},
		{"https://gist.github.com/u/abc", true},
		{"https://sub.gitlab.com/p.json", true},
		{"http://example.com/list.json", false},
		{"https://evil.example.com/list.json", false},
		{"https://notgithub.com/p.json", false},
		{"https://github.com.evil.net/p.json", false},
		{"ftp://github.com/p.json", false},
	}
	imp := newTestImporter()
	for _, tc := range tests {
		err := imp.checkURL(tc.url)
		if tc.safe && err != nil {
			t.Errorf("%s: unexpectedly rejected: %v", tc.url, err)
		}
		if !tc.safe && !errors.Is(err, ErrUnsafeURL) {
			t.Errorf("%s: expected unsafe-url error, got %v", tc.url, err)
		}
	}
}

func TestFetchRejectsOversizeByHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10485760")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	imp := NewImporter(server.Client(), slog.New(slog.DiscardHandler))
	if _, err := imp.fetch(context.Background(), server.URL); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected too-large error, got %v", err)
	}
}

func TestFetchRejectsOversizeBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked response with no Content-Length header.
		chunk := strings.Repeat("x", 1<<16)
		for i := 0; i < 6; i++ {
			if _, err := w.Write([]byte(chunk)); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	imp := NewImporter(server.Client(), slog.New(slog.DiscardHandler), WithMaxFileSize(1<<18))
	if _, err := imp.fetch(context.Background(), server.URL); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected too-large error, got %v", err)
	}
}

func TestImportURLRejectsWithoutNetwork(t *testing.T) {
	// A client whose transport panics proves the gate fires before any request.
	imp := NewImporter(&http.Client{Transport: panicTransport{}}, slog.New(slog.DiscardHandler))
	if _, err := imp.ImportURL(context.Background(), "http://example.com/list.json"); !errors.Is(err, ErrUnsafeURL) {
		t.Fatalf("expected unsafe-url error, got %v", err)
	}
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("network access despite rejected url")
}

func TestImportFileBypassesGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.json")
	doc := `{"name":"local list","songs":[{"id":"a1","title":"T","artist":"A","duration":90,"source":"local"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	playlist, err := newTestImporter().ImportFile(path)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if playlist.Name != "local list" {
		t.Fatalf("name: %q", playlist.Name)
	}

	if _, err := newTestImporter().ImportFile(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing file: expected not-found, got %v", err)
	}
}

func TestExportImportRoundTripSimple(t *testing.T) {
	original := domain.NewPlaylist(domain.Playlist{
		Name:        "roundtrip",
		Description: "kept as is",
		Creator:     "dave",
		Cover:       "https://img.example/c.jpg",
		Tags:        []string{"mix"},
		Songs: []domain.Track{
			domain.NewTrack(domain.Track{Title: "One", Artist: "A", Duration: 100, Source: "bilibili",
				URL: "https://www.bilibili.com/video/BV9", Extra: map[string]any{"bvid": "BV9"}}),
			domain.NewTrack(domain.Track{Title: "Two", Artist: "B", Duration: 200, Source: "netease"}),
		},
	})

	data, err := Export(original, FormatSimple)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := newTestImporter().Parse(data, "export.json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got, original) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, original)
	}
}

func TestExportImportRoundTripMusicFree(t *testing.T) {
	original := domain.NewPlaylist(domain.Playlist{
		Name: "Mixed",
		Songs: []domain.Track{
			domain.NewTrack(domain.Track{Title: "One", Artist: "A", Duration: 100, Source: "bilibili",
				URL: "https://www.bilibili.com/video/BV9", Extra: map[string]any{"bvid": "BV9"}}),
			domain.NewTrack(domain.Track{Title: "Two", Artist: "B", Duration: 200, Source: "netease",
				URL: "https://music.163.com/song/7"}),
		},
	})

	data, err := Export(original, FormatMusicFree)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := newTestImporter().Parse(data, "export.json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Name != original.Name || got.ID != original.ID {
		t.Fatalf("header mismatch: got %+v", got)
	}
	if len(got.Songs) != len(original.Songs) {
		t.Fatalf("song count: got %d, want %d", len(got.Songs), len(original.Songs))
	}
	for i, want := range original.Songs {
		song := got.Songs[i]
		if song.ID != want.ID || song.Title != want.Title || song.Artist != want.Artist ||
			song.Duration != want.Duration || song.Source != want.Source || song.URL != want.URL {
			t.Fatalf("song %d mismatch:\n got %+v\nwant %+v", i, song, want)
		}
	}
}

func TestExportUnknownFormat(t *testing.T) {
	if _, err := Export(domain.Playlist{}, "m3u"); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}
