package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"botplayer/internal/domain"
)

type fakeSource struct {
	name     string
	enabled  bool
	tracks   []domain.Track
	err      error
	gotLimit int
	resolved string
}

func (f *fakeSource) Info() SourceInfo {
	return SourceInfo{Name: f.name, Version: "test", Enabled: f.enabled}
}

func (f *fakeSource) Search(_ context.Context, _ string, limit int) ([]domain.Track, error) {
	f.gotLimit = limit
	return f.tracks, f.err
}

func (f *fakeSource) Resolve(_ context.Context, _ domain.Track) (string, error) {
	return f.resolved, f.err
}

func track(title, artist, source string) domain.Track {
	return domain.NewTrack(domain.Track{Title: title, Artist: artist, Source: source})
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRegistrySearch_FanOutSplitsLimit(t *testing.T) {
	a := &fakeSource{name: "a", enabled: true, tracks: []domain.Track{track("x", "p", "a")}}
	b := &fakeSource{name: "b", enabled: true}
	c := &fakeSource{name: "c", enabled: true}

	reg := NewRegistry(testLogger())
	for _, src := range []*fakeSource{a, b, c} {
		if err := reg.Register(src); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := reg.Search(context.Background(), "x", "", 10); err != nil {
		t.Fatalf("Search: %v", err)
	}
	// ceil(10/3) = 4 per plugin.
	for _, src := range []*fakeSource{a, b, c} {
		if src.gotLimit != 4 {
			t.Fatalf("plugin %s got limit %d, want 4", src.name, src.gotLimit)
		}
	}
}

func TestRegistrySearch_DedupFirstWins(t *testing.T) {
	first := track("Song", "Artist", "a")
	dup := track("song", "ARTIST", "b")

	a := &fakeSource{name: "a", enabled: true, tracks: []domain.Track{first}}
	b := &fakeSource{name: "b", enabled: true, tracks: []domain.Track{dup}}

	reg := NewRegistry(testLogger())
	_ = reg.Register(a)
	_ = reg.Register(b)

	got, err := reg.Search(context.Background(), "song", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d tracks, want 1", len(got))
	}
	if got[0].Source != "a" {
		t.Fatalf("dedup kept source %q, want first-registered a", got[0].Source)
	}
}

func TestRegistrySearch_Ranking(t *testing.T) {
	exact := track("hello", "someone", "b")       // 100 + 5
	contains := track("hello world", "x", "a")    // 50 + 20
	artistHit := track("other", "hello band", "a") // 30 + 20
	noise := track("unrelated", "nobody", "a")    // 20

	a := &fakeSource{name: "a", enabled: true, tracks: []domain.Track{noise, contains, artistHit}}
	b := &fakeSource{name: "b", enabled: true, tracks: []domain.Track{exact}}

	reg := NewRegistry(testLogger(), WithPriority(map[string]int{"a": 20}))
	_ = reg.Register(a)
	_ = reg.Register(b)

	got, err := reg.Search(context.Background(), "hello", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	wantOrder := []domain.TrackID{exact.ID, contains.ID, artistHit.ID, noise.ID}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d tracks, want %d", len(got), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Fatalf("position %d: got %q (%s), want %q", i, got[i].ID, got[i].Title, want)
		}
	}
}

func TestRegistrySearch_SingleFailureIsSwallowed(t *testing.T) {
	ok := &fakeSource{name: "ok", enabled: true, tracks: []domain.Track{track("x", "y", "ok")}}
	broken := &fakeSource{name: "broken", enabled: true, err: fmt.Errorf("boom")}

	reg := NewRegistry(testLogger())
	_ = reg.Register(ok)
	_ = reg.Register(broken)

	got, err := reg.Search(context.Background(), "x", "", 10)
	if err != nil {
		t.Fatalf("expected partial success, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d tracks, want 1", len(got))
	}
}

func TestRegistrySearch_AllFailedSurfacesError(t *testing.T) {
	a := &fakeSource{name: "a", enabled: true, err: fmt.Errorf("down")}
	b := &fakeSource{name: "b", enabled: true, err: fmt.Errorf("also down")}

	reg := NewRegistry(testLogger())
	_ = reg.Register(a)
	_ = reg.Register(b)

	_, err := reg.Search(context.Background(), "x", "", 10)
	if !errors.Is(err, domain.ErrSource) {
		t.Fatalf("expected source error, got %v", err)
	}
}

// stalledSource never answers; it holds the search until the context dies.
type stalledSource struct {
	name string
}

func (s *stalledSource) Info() SourceInfo {
	return SourceInfo{Name: s.name, Version: "test", Enabled: true}
}

func (s *stalledSource) Search(ctx context.Context, _ string, _ int) ([]domain.Track, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledSource) Resolve(context.Context, domain.Track) (string, error) {
	return "", domain.ErrNotFound
}

func TestRegistrySearch_DeadlineExpiryIsNotFailure(t *testing.T) {
	reg := NewRegistry(testLogger(), WithSearchTimeout(30*time.Millisecond))
	_ = reg.Register(&stalledSource{name: "a"})
	_ = reg.Register(&stalledSource{name: "b"})

	got, err := reg.Search(context.Background(), "x", "", 10)
	if err != nil {
		t.Fatalf("expired plugins must contribute zero results, not fail the call: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d tracks, want none", len(got))
	}
}

func TestRegistrySearch_CallerDeadlineSurfaces(t *testing.T) {
	reg := NewRegistry(testLogger())
	_ = reg.Register(&stalledSource{name: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := reg.Search(ctx, "x", "", 10); !errors.Is(err, domain.ErrSource) {
		t.Fatalf("a dead caller context must surface an error, got %v", err)
	}
}

func TestRegistrySearch_SourceFilter(t *testing.T) {
	a := &fakeSource{name: "a", enabled: true, tracks: []domain.Track{track("x", "y", "a")}}
	b := &fakeSource{name: "b", enabled: true, tracks: []domain.Track{track("z", "w", "b")}}

	reg := NewRegistry(testLogger())
	_ = reg.Register(a)
	_ = reg.Register(b)

	got, err := reg.Search(context.Background(), "x", "b", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Source != "b" {
		t.Fatalf("filter result = %+v, want only source b", got)
	}
	if b.gotLimit != 10 {
		t.Fatalf("filtered plugin got limit %d, want full 10", b.gotLimit)
	}

	if _, err := reg.Search(context.Background(), "x", "nope", 10); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected unknown source error, got %v", err)
	}
}

func TestRegistrySearch_EmptyQuery(t *testing.T) {
	reg := NewRegistry(testLogger())
	_ = reg.Register(&fakeSource{name: "a", enabled: true})
	if _, err := reg.Search(context.Background(), "   ", "", 10); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected empty query error, got %v", err)
	}
}

func TestRegistrySearch_NoEnabledSources(t *testing.T) {
	reg := NewRegistry(testLogger())
	_ = reg.Register(&fakeSource{name: "a", enabled: false})
	if _, err := reg.Search(context.Background(), "x", "", 10); !errors.Is(err, ErrNoSources) {
		t.Fatalf("expected no sources error, got %v", err)
	}
}

func TestResolvePlayURL(t *testing.T) {
	a := &fakeSource{name: "a", enabled: true, resolved: "https://example.com/x"}
	reg := NewRegistry(testLogger())
	_ = reg.Register(a)

	got, err := reg.ResolvePlayURL(context.Background(), track("x", "y", "a"))
	if err != nil {
		t.Fatalf("ResolvePlayURL: %v", err)
	}
	if got != "https://example.com/x" {
		t.Fatalf("got %q", got)
	}

	if _, err := reg.ResolvePlayURL(context.Background(), track("x", "y", "missing")); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected unknown source error, got %v", err)
	}
}
