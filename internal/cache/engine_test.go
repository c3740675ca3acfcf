package cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"botplayer/internal/domain"
	"botplayer/internal/domain/ports"
	"botplayer/internal/download"
)

// scriptedFetcher returns canned file contents per URL and counts fetches.
type scriptedFetcher struct {
	dir     string
	content map[string][]byte
	err     error
	fetches atomic.Int32
}

func (f *scriptedFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.fetches.Add(1)
	if f.err != nil {
		return "", f.err
	}
	data, ok := f.content[url]
	if !ok {
		data = []byte(url)
	}
	path := filepath.Join(f.dir, fmt.Sprintf("dl-%d.opus", f.fetches.Load()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// gatedFetcher blocks every Fetch on a shared gate so tests can hold
// downloads in flight while more callers pile up.
type gatedFetcher struct {
	dir     string
	gate    chan struct{}
	fetches atomic.Int32
}

func (f *gatedFetcher) Fetch(_ context.Context, url string) (string, error) {
	n := f.fetches.Add(1)
	<-f.gate
	path := filepath.Join(f.dir, fmt.Sprintf("dl-%d.opus", n))
	if err := os.WriteFile(path, []byte(url), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func newTestEngine(t *testing.T, fetcher Fetcher, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(t.TempDir(), fetcher, slog.New(slog.DiscardHandler), opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func testTrack(id string) domain.Track {
	return domain.Track{ID: domain.TrackID(id), Title: id, Artist: "a", Source: "bilibili"}
}

func cacheFiles(t *testing.T, e *Engine) []string {
	t.Helper()
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		t.Fatal(err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || e.isStoreArtifact(entry.Name()) {
			continue
		}
		files = append(files, entry.Name())
	}
	return files
}

func TestContentHash(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small")
	data := []byte("tiny file")
	if err := os.WriteFile(small, data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ContentHash(small)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	sum := md5.Sum(data)
	if got != hex.EncodeToString(sum[:]) {
		t.Fatalf("small file must hash whole content: got %s", got)
	}

	// Large files that differ only outside the three windows hash equal.
	base := bytes.Repeat([]byte("x"), 100*1024)
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, base, 0o644); err != nil {
		t.Fatal(err)
	}
	modified := append([]byte(nil), base...)
	modified[20*1024] = 'y' // outside head, middle and tail windows
	if err := os.WriteFile(b, modified, 0o644); err != nil {
		t.Fatal(err)
	}
	hashA, err := ContentHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hashB, err := ContentHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if hashA != hashB {
		t.Fatal("windowed hash should ignore bytes outside the sampled windows")
	}

	// A change inside the head window must change the hash.
	modified[100] = 'z'
	if err := os.WriteFile(b, modified, 0o644); err != nil {
		t.Fatal(err)
	}
	hashB2, err := ContentHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if hashB2 == hashA {
		t.Fatal("head window change must change the hash")
	}
}

func TestGetCachesAndTouches(t *testing.T) {
	fetcher := &scriptedFetcher{dir: t.TempDir()}
	e := newTestEngine(t, fetcher)

	track := testTrack("t1")
	first, err := e.Get(context.Background(), track, "https://example.com/t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := e.Get(context.Background(), track, "https://example.com/t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Fatalf("paths differ: %q vs %q", first, second)
	}
	if got := fetcher.fetches.Load(); got != 1 {
		t.Fatalf("fetched %d times, want 1", got)
	}

	var accessCount int
	if err := e.db.QueryRow(
		`SELECT access_count FROM audio_cache WHERE track_id = 't1'`,
	).Scan(&accessCount); err != nil {
		t.Fatal(err)
	}
	if accessCount != 1 {
		t.Fatalf("access_count = %d, want 1 (one hit)", accessCount)
	}
}

func TestGetDedupByContentHash(t *testing.T) {
	content := map[string][]byte{
		"https://example.com/a": []byte("identical audio bytes"),
		"https://example.com/b": []byte("identical audio bytes"),
	}
	fetcher := &scriptedFetcher{dir: t.TempDir(), content: content}
	e := newTestEngine(t, fetcher)

	pathA, err := e.Get(context.Background(), testTrack("a"), "https://example.com/a")
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	pathB, err := e.Get(context.Background(), testTrack("b"), "https://example.com/b")
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}

	if pathA != pathB {
		t.Fatalf("dedup should share one file: %q vs %q", pathA, pathB)
	}
	if files := cacheFiles(t, e); len(files) != 1 {
		t.Fatalf("distinct cache files = %d, want 1", len(files))
	}

	var refA, refB int
	if err := e.db.QueryRow(`SELECT reference_count FROM audio_cache WHERE track_id = 'a'`).Scan(&refA); err != nil {
		t.Fatal(err)
	}
	if err := e.db.QueryRow(`SELECT reference_count FROM audio_cache WHERE track_id = 'b'`).Scan(&refB); err != nil {
		t.Fatal(err)
	}
	// The original row absorbs the new reference; the new row starts at 1.
	if refA != 2 || refB != 1 {
		t.Fatalf("refcounts = (a=%d, b=%d), want (2, 1)", refA, refB)
	}
}

func TestGetLocalPassthrough(t *testing.T) {
	fetcher := &scriptedFetcher{dir: t.TempDir()}
	e := newTestEngine(t, fetcher)

	localFile := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(localFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	track := testTrack("local1")
	track.Source = "local"
	track.Extra = map[string]any{"file_path": localFile}

	got, err := e.Get(context.Background(), track, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != localFile {
		t.Fatalf("got %q, want passthrough %q", got, localFile)
	}
	if fetcher.fetches.Load() != 0 {
		t.Fatal("local track must not trigger a download")
	}
}

func TestRemoveDecrementsRefcountClass(t *testing.T) {
	content := map[string][]byte{
		"https://example.com/a": []byte("same"),
		"https://example.com/b": []byte("same"),
	}
	fetcher := &scriptedFetcher{dir: t.TempDir(), content: content}
	e := newTestEngine(t, fetcher)

	path, _ := e.Get(context.Background(), testTrack("a"), "https://example.com/a")
	_, _ = e.Get(context.Background(), testTrack("b"), "https://example.com/b")

	removed, err := e.Remove("a")
	if err != nil || !removed {
		t.Fatalf("Remove a = (%v, %v)", removed, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("file must survive while another row references it")
	}

	removed, err = e.Remove("b")
	if err != nil || !removed {
		t.Fatalf("Remove b = (%v, %v)", removed, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file must be unlinked with the last reference")
	}

	if removed, _ := e.Remove("a"); removed {
		t.Fatal("removing a missing row must report false")
	}
}

func TestEnsureBudgetLRU(t *testing.T) {
	fetcher := &scriptedFetcher{dir: t.TempDir(), content: map[string][]byte{
		"u/a": bytes.Repeat([]byte("a"), 40),
		"u/b": bytes.Repeat([]byte("b"), 40),
		"u/c": bytes.Repeat([]byte("c"), 40),
		"u/d": bytes.Repeat([]byte("d"), 40),
	}}
	e := newTestEngine(t, fetcher, WithMaxSize(100), WithMinAccessInterval(0))

	clock := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return clock }

	for _, id := range []string{"a", "b", "c"} {
		if _, err := e.Get(context.Background(), testTrack(id), "u/"+id); err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		clock = clock.Add(time.Minute)
	}

	// Inserting d pushes the total to 160; eviction drains oldest-first to
	// the 80-byte low-water mark, removing a and b.
	if _, err := e.Get(context.Background(), testTrack("d"), "u/d"); err != nil {
		t.Fatalf("Get d: %v", err)
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Bytes != 80 {
		t.Fatalf("total = %d, want 80 after draining to low water", stats.Bytes)
	}

	var survivors []string
	rows, err := e.db.Query(`SELECT track_id FROM audio_cache ORDER BY track_id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatal(err)
		}
		survivors = append(survivors, id)
	}
	if len(survivors) != 2 || survivors[0] != "c" || survivors[1] != "d" {
		t.Fatalf("survivors = %v, want [c d]", survivors)
	}
}

func TestEnsureBudgetHotGuard(t *testing.T) {
	fetcher := &scriptedFetcher{dir: t.TempDir(), content: map[string][]byte{
		"u/a": bytes.Repeat([]byte("a"), 60),
		"u/b": bytes.Repeat([]byte("b"), 60),
	}}
	e := newTestEngine(t, fetcher, WithMaxSize(100), WithMinAccessInterval(time.Hour))

	if _, err := e.Get(context.Background(), testTrack("a"), "u/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(context.Background(), testTrack("b"), "u/b"); err != nil {
		t.Fatal(err)
	}

	// Both entries were touched just now; the min-access-interval guard must
	// block eviction even though the cache is over budget.
	stats, err := e.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Bytes != 120 {
		t.Fatalf("total = %d, want 120 (hot entries never force-evicted)", stats.Bytes)
	}
}

func TestClear(t *testing.T) {
	fetcher := &scriptedFetcher{dir: t.TempDir()}
	e := newTestEngine(t, fetcher)

	if _, err := e.Get(context.Background(), testTrack("a"), "u/a"); err != nil {
		t.Fatal(err)
	}
	if err := e.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Files != 0 || stats.Bytes != 0 {
		t.Fatalf("stats after clear = %+v", stats)
	}
	if files := cacheFiles(t, e); len(files) != 0 {
		t.Fatalf("files left after clear: %v", files)
	}
	// The store itself survives and remains usable.
	if _, err := e.Get(context.Background(), testTrack("a"), "u/a"); err != nil {
		t.Fatalf("Get after clear: %v", err)
	}
}

func TestCleanupOrphans(t *testing.T) {
	fetcher := &scriptedFetcher{dir: t.TempDir()}
	e := newTestEngine(t, fetcher)

	path, err := e.Get(context.Background(), testTrack("a"), "u/a")
	if err != nil {
		t.Fatal(err)
	}

	// An orphan file with no row, and a row whose file vanished.
	orphan := filepath.Join(e.dir, "stray.opus")
	if err := os.WriteFile(orphan, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	filesRemoved, rowsRemoved, err := e.CleanupOrphans()
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if filesRemoved != 1 {
		t.Fatalf("filesRemoved = %d, want 1", filesRemoved)
	}
	if rowsRemoved != 1 {
		t.Fatalf("rowsRemoved = %d, want 1", rowsRemoved)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("orphan file must be unlinked")
	}
}

func TestGetCollapsesConcurrentDownloads(t *testing.T) {
	fetcher := &gatedFetcher{dir: t.TempDir(), gate: make(chan struct{})}
	e := newTestEngine(t, fetcher)

	track := testTrack("t1")
	var wg sync.WaitGroup
	paths := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = e.Get(context.Background(), track, "https://example.com/t1")
		}(i)
	}

	// Hold the download until the first caller is inside it and the second
	// has had time to join the flight.
	deadline := time.After(2 * time.Second)
	for fetcher.fetches.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("download never started")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	if paths[0] != paths[1] {
		t.Fatalf("callers got different paths: %q vs %q", paths[0], paths[1])
	}
	if _, err := os.Stat(paths[0]); err != nil {
		t.Fatalf("shared path must exist: %v", err)
	}
	if got := fetcher.fetches.Load(); got != 1 {
		t.Fatalf("fetched %d times, want 1", got)
	}
}

func TestGetConcurrentDistinctTracksSharingURL(t *testing.T) {
	fetcher := &gatedFetcher{dir: t.TempDir(), gate: make(chan struct{})}
	e := newTestEngine(t, fetcher)

	const url = "https://example.com/shared"
	var wg sync.WaitGroup
	paths := make([]string, 2)
	errs := make([]error, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			paths[i], errs[i] = e.Get(context.Background(), testTrack(id), url)
		}(i, id)
	}

	deadline := time.After(2 * time.Second)
	for fetcher.fetches.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("download never started")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	// The flight loser stores under its own id and the content-hash dedup
	// folds both rows onto one file.
	if paths[0] != paths[1] {
		t.Fatalf("dedup should share one file: %q vs %q", paths[0], paths[1])
	}
	if files := cacheFiles(t, e); len(files) != 1 {
		t.Fatalf("distinct cache files = %d, want 1", len(files))
	}
	var rows int
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM audio_cache`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Fatalf("rows = %d, want one per track", rows)
	}
}

// slowExtractor stands behind a real download coordinator so concurrent Gets
// exercise the whole miss pipeline.
type slowExtractor struct {
	delay time.Duration
}

func (x *slowExtractor) Extract(ctx context.Context, url, outTemplate string, _ time.Duration, _ int) (string, error) {
	if x.delay > 0 {
		select {
		case <-time.After(x.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	path := strings.Replace(outTemplate, "%(ext)s", "opus", 1)
	if err := os.WriteFile(path, []byte("audio for "+url), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (x *slowExtractor) Probe(context.Context, string) (ports.ProbeInfo, error) {
	return ports.ProbeInfo{Duration: 3 * time.Minute}, nil
}

func TestGetConcurrentThroughCoordinator(t *testing.T) {
	coord := download.NewCoordinator(&slowExtractor{delay: 5 * time.Millisecond}, t.TempDir(), slog.New(slog.DiscardHandler))
	t.Cleanup(coord.Shutdown)
	e := newTestEngine(t, coord)

	for i := 0; i < 10; i++ {
		track := testTrack(fmt.Sprintf("t%d", i))
		url := fmt.Sprintf("https://example.com/%d", i)

		var wg sync.WaitGroup
		paths := make([]string, 2)
		errs := make([]error, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				paths[j], errs[j] = e.Get(context.Background(), track, url)
			}(j)
		}
		wg.Wait()

		for j := 0; j < 2; j++ {
			if errs[j] != nil {
				t.Fatalf("iteration %d caller %d: %v", i, j, errs[j])
			}
		}
		if paths[0] != paths[1] {
			t.Fatalf("iteration %d: callers got %q and %q", i, paths[0], paths[1])
		}
	}
}

func TestGetFetchFailureLeavesNoState(t *testing.T) {
	fetcher := &scriptedFetcher{dir: t.TempDir(), err: fmt.Errorf("extractor down")}
	e := newTestEngine(t, fetcher)

	if _, err := e.Get(context.Background(), testTrack("a"), "u/a"); err == nil {
		t.Fatal("expected fetch error")
	}
	stats, err := e.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Files != 0 {
		t.Fatalf("failed fetch must not create rows, got %d files", stats.Files)
	}
}
