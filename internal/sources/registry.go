package sources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"botplayer/internal/domain"
	"botplayer/internal/metrics"
)

// maxConcurrentPlugins caps the fan-out so a large plugin set cannot open an
// unbounded number of simultaneous upstream connections.
const maxConcurrentPlugins = 8

const (
	defaultSearchTimeout = 10 * time.Second
	defaultPriorityBonus = 5

	// Per-plugin request pacing; upstream APIs throttle aggressively.
	pluginRateLimit = rate.Limit(2)
	pluginRateBurst = 4
)

var (
	ErrEmptyQuery    = fmt.Errorf("%w: query is required", domain.ErrSource)
	ErrNoSources     = fmt.Errorf("%w: no sources enabled", domain.ErrSource)
	ErrUnknownSource = fmt.Errorf("%w: unknown source", domain.ErrSource)
)

// Source is a music source plugin: search returns normalized tracks, resolve
// turns one of them into a URL (or local path) the extractor can consume.
type Source interface {
	Info() SourceInfo
	Search(ctx context.Context, query string, limit int) ([]domain.Track, error)
	Resolve(ctx context.Context, track domain.Track) (string, error)
}

type SourceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

type sourceStatus struct {
	name  string
	err   error
	count int
}

// Registry holds the ordered set of source plugins and runs the parallel
// fan-out search with dedup and ranking.
type Registry struct {
	mu       sync.RWMutex
	ordered  []Source
	byName   map[string]Source
	limiters map[string]*rate.Limiter

	priority map[string]int
	timeout  time.Duration
	cache    *ResultCache
	logger   *slog.Logger
}

type RegistryOption func(*Registry)

func WithSearchTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithPriority(priority map[string]int) RegistryOption {
	return func(r *Registry) {
		for name, bonus := range priority {
			r.priority[strings.ToLower(strings.TrimSpace(name))] = bonus
		}
	}
}

func WithResultCache(cache *ResultCache) RegistryOption {
	return func(r *Registry) { r.cache = cache }
}

func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byName:   make(map[string]Source),
		limiters: make(map[string]*rate.Limiter),
		priority: make(map[string]int),
		timeout:  defaultSearchTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a plugin. Re-registering a name replaces the previous plugin
// but keeps its position in the fan-out order.
func (r *Registry) Register(src Source) error {
	if src == nil {
		return fmt.Errorf("%w: nil plugin", domain.ErrSource)
	}
	name := strings.ToLower(strings.TrimSpace(src.Info().Name))
	if name == "" {
		return fmt.Errorf("%w: plugin has no name", domain.ErrSource)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		for i, existing := range r.ordered {
			if strings.EqualFold(existing.Info().Name, name) {
				r.ordered[i] = src
				break
			}
		}
	} else {
		r.ordered = append(r.ordered, src)
	}
	r.byName[name] = src
	if _, ok := r.limiters[name]; !ok {
		r.limiters[name] = rate.NewLimiter(pluginRateLimit, pluginRateBurst)
	}
	return nil
}

// Enabled returns metadata for every enabled plugin in registration order.
func (r *Registry) Enabled() []SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SourceInfo, 0, len(r.ordered))
	for _, src := range r.ordered {
		if info := src.Info(); info.Enabled {
			infos = append(infos, info)
		}
	}
	return infos
}

// Search fans out to the enabled plugins (or the single named one), then
// deduplicates, ranks and truncates to limit. A failing plugin contributes
// zero results; the call errors only when every plugin failed and nothing
// was found.
func (r *Registry) Search(ctx context.Context, query, sourceFilter string, limit int) ([]domain.Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 20
	}

	selected, err := r.selectPlugins(sourceFilter)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if tracks, ok := r.cache.Get(ctx, cacheKey(query, sourceFilter, limit)); ok {
			metrics.SearchesTotal.WithLabelValues("cache", "hit").Inc()
			return tracks, nil
		}
	}

	perPlugin := (limit + len(selected) - 1) / len(selected)
	if perPlugin < 1 {
		perPlugin = 1
	}

	runCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// Results are kept per plugin slot so the merge is deterministic in
	// registration order regardless of goroutine completion order.
	perSlot := make([][]domain.Track, len(selected))
	statuses := make([]sourceStatus, len(selected))

	sem := semaphore.NewWeighted(maxConcurrentPlugins)
	var wg sync.WaitGroup
	for i, src := range selected {
		wg.Add(1)
		go func(slot int, current Source) {
			defer wg.Done()

			name := strings.ToLower(strings.TrimSpace(current.Info().Name))
			statuses[slot].name = name

			if err := sem.Acquire(runCtx, 1); err != nil {
				statuses[slot].err = err
				return
			}
			defer sem.Release(1)

			if err := r.waitRateLimit(runCtx, name); err != nil {
				statuses[slot].err = err
				return
			}

			startedAt := time.Now()
			var tracks []domain.Track
			searchErr := RetryWithBackoff(runCtx, DefaultRetryConfig(), func() error {
				var err error
				tracks, err = current.Search(runCtx, query, perPlugin)
				return err
			})
			metrics.SearchDuration.WithLabelValues(name).Observe(time.Since(startedAt).Seconds())

			if searchErr != nil {
				metrics.SearchesTotal.WithLabelValues(name, "error").Inc()
				r.logger.Warn("source search failed",
					slog.String("source", name),
					slog.String("query", query),
					slog.String("error", searchErr.Error()),
				)
				statuses[slot].err = searchErr
				return
			}
			metrics.SearchesTotal.WithLabelValues(name, "ok").Inc()
			statuses[slot].count = len(tracks)
			perSlot[slot] = tracks
		}(i, src)
	}
	wg.Wait()

	merged := dedupeTracks(perSlot)
	if len(merged) == 0 {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrSource, ctx.Err())
		}
		if err := allFailed(statuses); err != nil {
			return nil, err
		}
		return nil, nil
	}

	rankTracks(merged, query, r.priority)
	if len(merged) > limit {
		merged = merged[:limit]
	}

	if r.cache != nil {
		r.cache.Set(ctx, cacheKey(query, sourceFilter, limit), merged)
	}
	return merged, nil
}

// ResolvePlayURL asks the track's own plugin for a playable URL.
func (r *Registry) ResolvePlayURL(ctx context.Context, track domain.Track) (string, error) {
	name := strings.ToLower(strings.TrimSpace(track.Source))

	r.mu.RLock()
	src, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, track.Source)
	}

	var resolved string
	err := RetryWithBackoff(ctx, DefaultRetryConfig(), func() error {
		var err error
		resolved, err = src.Resolve(ctx, track)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s via %s: %w", track.ID, name, err)
	}
	if strings.TrimSpace(resolved) == "" {
		return "", fmt.Errorf("%w: %s has no playable url", domain.ErrNotFound, track.ID)
	}
	return resolved, nil
}

func (r *Registry) selectPlugins(sourceFilter string) ([]Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if filter := strings.ToLower(strings.TrimSpace(sourceFilter)); filter != "" {
		src, ok := r.byName[filter]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceFilter)
		}
		if !src.Info().Enabled {
			return nil, fmt.Errorf("%w: %s is disabled", ErrUnknownSource, sourceFilter)
		}
		return []Source{src}, nil
	}

	selected := make([]Source, 0, len(r.ordered))
	for _, src := range r.ordered {
		if src.Info().Enabled {
			selected = append(selected, src)
		}
	}
	if len(selected) == 0 {
		return nil, ErrNoSources
	}
	return selected, nil
}

func (r *Registry) waitRateLimit(ctx context.Context, name string) error {
	r.mu.RLock()
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

func allFailed(statuses []sourceStatus) error {
	var errs []string
	for _, st := range statuses {
		if st.err == nil {
			return nil
		}
		// A slot that ran out of fan-out time contributed zero results; that
		// is expiry, not failure.
		if errors.Is(st.err, context.DeadlineExceeded) || errors.Is(st.err, context.Canceled) {
			continue
		}
		errs = append(errs, st.name+": "+st.err.Error())
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: all sources failed: %s", domain.ErrSource, strings.Join(errs, "; "))
}

// dedupeTracks merges the per-slot results in registration order. Two tracks
// collapse when title and artist match case-insensitively; the first
// occurrence wins.
func dedupeTracks(perSlot [][]domain.Track) []domain.Track {
	seen := make(map[string]struct{})
	var merged []domain.Track
	for _, tracks := range perSlot {
		for _, track := range tracks {
			key := strings.ToLower(track.Title) + "\x00" + strings.ToLower(track.Artist)
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, track)
		}
	}
	return merged
}

// rankTracks orders tracks by relevance score, highest first. The sort is
// stable so ties keep their input order.
func rankTracks(tracks []domain.Track, query string, priority map[string]int) {
	lowered := strings.ToLower(query)
	type scored struct {
		track domain.Track
		score int
	}
	items := make([]scored, len(tracks))
	for i, track := range tracks {
		items[i] = scored{track: track, score: relevanceScore(track, lowered, priority)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})
	for i, item := range items {
		tracks[i] = item.track
	}
}

func relevanceScore(track domain.Track, loweredQuery string, priority map[string]int) int {
	score := 0
	title := strings.ToLower(track.Title)
	switch {
	case title == loweredQuery:
		score += 100
	case strings.Contains(title, loweredQuery):
		score += 50
	}
	if strings.Contains(strings.ToLower(track.Artist), loweredQuery) {
		score += 30
	}
	if bonus, ok := priority[strings.ToLower(track.Source)]; ok {
		score += bonus
	} else {
		score += defaultPriorityBonus
	}
	return score
}

func cacheKey(query, sourceFilter string, limit int) string {
	return strings.Join([]string{
		"q=" + strings.ToLower(strings.TrimSpace(query)),
		"s=" + strings.ToLower(strings.TrimSpace(sourceFilter)),
		"l=" + fmt.Sprint(limit),
	}, "|")
}
