package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"botplayer/internal/domain"
	"botplayer/internal/metrics"
)

const (
	storeFileName = "cache.db"
	tempDirName   = "tmp"

	defaultMaxSize           = 10 << 30
	defaultMinAccessInterval = time.Hour

	// Eviction drains to this fraction of the budget so back-to-back
	// downloads don't re-trigger the sweep immediately.
	lowWaterFraction = 0.8
)

// Fetcher produces a temporary audio file for a URL. The engine owns the
// returned file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Stats is a point-in-time summary of cache occupancy.
type Stats struct {
	Files          int     `json:"files"`
	Bytes          int64   `json:"bytes"`
	MaxBytes       int64   `json:"maxBytes"`
	UsagePercent   float64 `json:"usagePercent"`
	AvgAccessCount float64 `json:"avgAccessCount"`
	OldestUnix     int64   `json:"oldest,omitempty"`
	NewestUnix     int64   `json:"newest,omitempty"`
}

// Engine is the content-addressed audio cache. Rows live in a sqlite file
// inside the cache directory; audio files sit next to it. Multiple track ids
// may share one file when their content hashes match — the rows form a
// refcount class and the file survives until the last row is removed.
//
// All mutations are serialized by a single writer lock; reads go straight to
// the database.
type Engine struct {
	db      *sql.DB
	dir     string
	tempDir string
	fetcher Fetcher
	logger  *slog.Logger

	maxSize           int64
	minAccessInterval time.Duration

	mu sync.Mutex // writer lock: covers multi-statement mutations and file ops

	// flight collapses concurrent downloads of the same URL: one caller
	// fetches and stores, the rest wait for its outcome.
	flight singleflight.Group

	now func() time.Time
}

type EngineOption func(*Engine)

func WithMaxSize(bytes int64) EngineOption {
	return func(e *Engine) {
		if bytes > 0 {
			e.maxSize = bytes
		}
	}
}

func WithMinAccessInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.minAccessInterval = d
		}
	}
}

func NewEngine(dir string, fetcher Fetcher, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create cache dir: %s", domain.ErrCache, err)
	}
	tempDir := filepath.Join(dir, tempDirName)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %s", domain.ErrCache, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, storeFileName)+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open store: %s", domain.ErrCache, err)
	}
	db.SetMaxOpenConns(1)

	e := &Engine{
		db:                db,
		dir:               dir,
		tempDir:           tempDir,
		fetcher:           fetcher,
		logger:            logger,
		maxSize:           defaultMaxSize,
		minAccessInterval: defaultMinAccessInterval,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	e.publishGauges()
	return e, nil
}

func (e *Engine) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS audio_cache (
	track_id        TEXT PRIMARY KEY,
	file_path       TEXT NOT NULL,
	file_size       INTEGER NOT NULL,
	content_hash    TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	last_accessed   INTEGER NOT NULL,
	access_count    INTEGER NOT NULL DEFAULT 0,
	reference_count INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_audio_cache_hash ON audio_cache(content_hash);
CREATE INDEX IF NOT EXISTS idx_audio_cache_accessed ON audio_cache(last_accessed);
`
	if _, err := e.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrate: %s", domain.ErrCache, err)
	}
	return nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// Get returns a playable file path for the track, downloading it on a miss.
// Tracks that already live on disk (the local source) play in place and
// never enter the cache.
func (e *Engine) Get(ctx context.Context, track domain.Track, url string) (string, error) {
	if localPath := track.ExtraString("file_path"); localPath != "" {
		if _, err := os.Stat(localPath); err == nil {
			metrics.CacheHitsTotal.WithLabelValues("local").Inc()
			return localPath, nil
		}
	}

	if path, ok := e.lookup(track.ID); ok {
		metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
		return path, nil
	}
	metrics.CacheHitsTotal.WithLabelValues("miss").Inc()

	v, err, _ := e.flight.Do(url, func() (any, error) {
		path, err := e.fetchAndStore(ctx, track, url)
		if err != nil {
			return nil, err
		}
		return fetchOutcome{path: path, trackID: track.ID}, nil
	})
	if err != nil {
		return "", err
	}
	outcome := v.(fetchOutcome)
	if outcome.trackID == track.ID {
		return outcome.path, nil
	}

	// A different track sharing this URL won the flight and stored the file
	// under its own id. Re-check the index before fetching; a fresh fetch is
	// absorbed by the content-hash dedup.
	if path, ok := e.lookup(track.ID); ok {
		metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
		return path, nil
	}
	return e.fetchAndStore(ctx, track, url)
}

// fetchOutcome is what a download flight hands to its waiters: the stored
// path plus the track id it was stored under.
type fetchOutcome struct {
	path    string
	trackID domain.TrackID
}

// lookup returns the cached path when both the row and the file exist, and
// touches the row's access stats.
func (e *Engine) lookup(trackID domain.TrackID) (string, bool) {
	var path string
	err := e.db.QueryRow(
		`SELECT file_path FROM audio_cache WHERE track_id = ?`, string(trackID),
	).Scan(&path)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.db.Exec(
		`UPDATE audio_cache SET last_accessed = ?, access_count = access_count + 1 WHERE track_id = ?`,
		e.now().Unix(), string(trackID),
	)
	if err != nil {
		e.logger.Warn("cache touch failed",
			slog.String("trackId", string(trackID)),
			slog.String("error", err.Error()),
		)
	}
	return path, true
}

func (e *Engine) fetchAndStore(ctx context.Context, track domain.Track, url string) (string, error) {
	tempPath, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}

	hash, err := ContentHash(tempPath)
	if err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("%w: %s", domain.ErrCache, err)
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrCache, err)
	}
	size := info.Size()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().Unix()

	// Dedup: an existing live file with the same content absorbs this track.
	if sharedPath, ok := e.findLiveByHash(hash); ok {
		_ = os.Remove(tempPath)
		if err := e.insertRow(track.ID, sharedPath, size, hash, now); err != nil {
			return "", err
		}
		if _, err := e.db.Exec(
			`UPDATE audio_cache SET reference_count = reference_count + 1 WHERE file_path = ? AND track_id <> ?`,
			sharedPath, string(track.ID),
		); err != nil {
			return "", fmt.Errorf("%w: dedup refcount: %s", domain.ErrCache, err)
		}
		metrics.CacheHitsTotal.WithLabelValues("dedup").Inc()
		e.logger.Debug("cache dedup hit",
			slog.String("trackId", string(track.ID)),
			slog.String("hash", hash),
		)
		return sharedPath, nil
	}

	finalPath := filepath.Join(e.dir, string(track.ID)+filepath.Ext(tempPath))
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("%w: move into cache: %s", domain.ErrCache, err)
	}
	if err := e.insertRow(track.ID, finalPath, size, hash, now); err != nil {
		_ = os.Remove(finalPath)
		return "", err
	}

	e.ensureBudgetLocked()
	e.publishGauges()
	return finalPath, nil
}

// findLiveByHash returns a shared file path for the hash when a row with
// refcount > 0 still has its file on disk.
func (e *Engine) findLiveByHash(hash string) (string, bool) {
	rows, err := e.db.Query(
		`SELECT DISTINCT file_path FROM audio_cache WHERE content_hash = ? AND reference_count > 0`, hash,
	)
	if err != nil {
		return "", false
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func (e *Engine) insertRow(trackID domain.TrackID, path string, size int64, hash string, now int64) error {
	_, err := e.db.Exec(
		`INSERT OR REPLACE INTO audio_cache
		 (track_id, file_path, file_size, content_hash, created_at, last_accessed, access_count, reference_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 1)`,
		string(trackID), path, size, hash, now, now,
	)
	if err != nil {
		return fmt.Errorf("%w: insert row: %s", domain.ErrCache, err)
	}
	return nil
}

// Remove drops the track's row and unlinks the backing file once no other
// row references it.
func (e *Engine) Remove(trackID domain.TrackID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var path string
	err := e.db.QueryRow(
		`SELECT file_path FROM audio_cache WHERE track_id = ?`, string(trackID),
	).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s", domain.ErrCache, err)
	}

	if _, err := e.db.Exec(
		`UPDATE audio_cache SET reference_count = reference_count - 1
		 WHERE file_path = ? AND track_id <> ? AND reference_count > 0`,
		path, string(trackID),
	); err != nil {
		return false, fmt.Errorf("%w: %s", domain.ErrCache, err)
	}
	if _, err := e.db.Exec(
		`DELETE FROM audio_cache WHERE track_id = ?`, string(trackID),
	); err != nil {
		return false, fmt.Errorf("%w: %s", domain.ErrCache, err)
	}

	var remaining int
	if err := e.db.QueryRow(
		`SELECT COUNT(*) FROM audio_cache WHERE file_path = ?`, path,
	).Scan(&remaining); err != nil {
		return false, fmt.Errorf("%w: %s", domain.ErrCache, err)
	}
	if remaining == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to unlink cache file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
	e.publishGauges()
	return true, nil
}

// Clear wipes every row and every file under the cache root except the store
// itself.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.Exec(`DELETE FROM audio_cache`); err != nil {
		return fmt.Errorf("%w: clear: %s", domain.ErrCache, err)
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("%w: clear: %s", domain.ErrCache, err)
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != tempDirName {
			continue
		}
		if e.isStoreArtifact(entry.Name()) {
			continue
		}
		path := filepath.Join(e.dir, entry.Name())
		if entry.IsDir() {
			_ = os.RemoveAll(path)
			_ = os.MkdirAll(path, 0o755)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove cache file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
	e.publishGauges()
	return nil
}

func (e *Engine) isStoreArtifact(name string) bool {
	return name == storeFileName ||
		strings.HasPrefix(name, storeFileName+"-") // -wal, -shm, -journal
}

// Stats reports cache occupancy from the store.
func (e *Engine) Stats() (Stats, error) {
	stats := Stats{MaxBytes: e.maxSize}

	err := e.db.QueryRow(`
		SELECT COUNT(DISTINCT file_path),
		       COALESCE((SELECT SUM(file_size) FROM (SELECT DISTINCT file_path, file_size FROM audio_cache)), 0),
		       COALESCE(AVG(access_count), 0),
		       COALESCE(MIN(created_at), 0),
		       COALESCE(MAX(created_at), 0)
		FROM audio_cache`,
	).Scan(&stats.Files, &stats.Bytes, &stats.AvgAccessCount, &stats.OldestUnix, &stats.NewestUnix)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %s", domain.ErrCache, err)
	}
	if e.maxSize > 0 {
		stats.UsagePercent = float64(stats.Bytes) / float64(e.maxSize) * 100
	}
	return stats, nil
}

// ensureBudgetLocked evicts least-recently-accessed files until usage drops
// to the low-water mark. Entries accessed within minAccessInterval are never
// evicted; if that guard blocks everything while still over budget, a
// warning is logged and the sweep gives up.
func (e *Engine) ensureBudgetLocked() {
	total, err := e.totalBytes()
	if err != nil || total <= e.maxSize {
		return
	}
	lowWater := int64(float64(e.maxSize) * lowWaterFraction)
	cutoff := e.now().Add(-e.minAccessInterval).Unix()

	rows, err := e.db.Query(`
		SELECT file_path, MAX(file_size), MAX(last_accessed)
		FROM audio_cache
		WHERE reference_count > 0
		GROUP BY file_path
		ORDER BY MAX(last_accessed) ASC`,
	)
	if err != nil {
		e.logger.Warn("eviction candidate query failed", slog.String("error", err.Error()))
		return
	}

	type candidate struct {
		path         string
		size         int64
		lastAccessed int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.path, &c.size, &c.lastAccessed); err == nil {
			candidates = append(candidates, c)
		}
	}
	rows.Close()

	evicted := 0
	for _, c := range candidates {
		if total <= lowWater {
			break
		}
		if c.lastAccessed > cutoff {
			continue
		}
		if _, err := e.db.Exec(`DELETE FROM audio_cache WHERE file_path = ?`, c.path); err != nil {
			e.logger.Warn("eviction row delete failed",
				slog.String("path", c.path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("eviction unlink failed",
				slog.String("path", c.path),
				slog.String("error", err.Error()),
			)
		}
		total -= c.size
		evicted++
		metrics.CacheEvictionsTotal.Inc()
	}

	if total > e.maxSize {
		e.logger.Warn("cache over budget but all candidates are hot",
			slog.Int64("totalBytes", total),
			slog.Int64("maxBytes", e.maxSize),
			slog.Int("evicted", evicted),
		)
	} else if evicted > 0 {
		e.logger.Info("cache eviction complete",
			slog.Int("evicted", evicted),
			slog.Int64("totalBytes", total),
		)
	}
}

func (e *Engine) totalBytes() (int64, error) {
	var total int64
	err := e.db.QueryRow(
		`SELECT COALESCE(SUM(file_size), 0) FROM (SELECT DISTINCT file_path, file_size FROM audio_cache)`,
	).Scan(&total)
	return total, err
}

// CleanupOrphans reconciles the store with the file system: files without
// rows are unlinked, rows without files are deleted. Returns (files removed,
// rows removed).
func (e *Engine) CleanupOrphans() (int, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	known := make(map[string]struct{})
	rows, err := e.db.Query(`SELECT DISTINCT file_path FROM audio_cache`)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cleanup: %s", domain.ErrCache, err)
	}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err == nil {
			known[path] = struct{}{}
		}
	}
	rows.Close()

	filesRemoved := 0
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cleanup: %s", domain.ErrCache, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || e.isStoreArtifact(entry.Name()) {
			continue
		}
		path := filepath.Join(e.dir, entry.Name())
		if _, ok := known[path]; ok {
			continue
		}
		if err := os.Remove(path); err == nil {
			filesRemoved++
		}
	}

	rowsRemoved := 0
	for path := range known {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		result, err := e.db.Exec(`DELETE FROM audio_cache WHERE file_path = ?`, path)
		if err != nil {
			continue
		}
		if n, err := result.RowsAffected(); err == nil {
			rowsRemoved += int(n)
		}
	}

	e.publishGauges()
	return filesRemoved, rowsRemoved, nil
}

func (e *Engine) publishGauges() {
	stats, err := e.Stats()
	if err != nil {
		return
	}
	metrics.CacheSizeBytes.Set(float64(stats.Bytes))
	metrics.CacheTracks.Set(float64(stats.Files))
}
