package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"botplayer/internal/domain"
	"botplayer/internal/domain/ports"
	"botplayer/internal/metrics"
)

const (
	defaultMaxConcurrent = 3
	defaultTimeout       = 5 * time.Minute
	defaultRetries       = 3

	// Tracks outside this window are unsuitable for voice playback:
	// too short to be a song, too long to be anything but a mix.
	minTrackDuration = 10 * time.Second
	maxTrackDuration = 1800 * time.Second
)

// Coordinator funnels all audio downloads through a bounded set of extractor
// slots. Every call produces its own file under a unique temp name; the audio
// cache collapses concurrent requests for the same URL before they get here.
type Coordinator struct {
	extractor ports.Extractor
	tempDir   string
	timeout   time.Duration
	retries   int

	sem    *semaphore.Weighted
	logger *slog.Logger

	shutdownCtx context.Context
	shutdown    context.CancelFunc
}

type Option func(*Coordinator)

func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.retries = n
		}
	}
}

func NewCoordinator(ext ports.Extractor, tempDir string, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	shutdownCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		extractor:   ext,
		tempDir:     tempDir,
		timeout:     defaultTimeout,
		retries:     defaultRetries,
		sem:         semaphore.NewWeighted(defaultMaxConcurrent),
		logger:      logger,
		shutdownCtx: shutdownCtx,
		shutdown:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch produces a temporary audio file for url. The caller owns the
// returned file and must move or delete it.
func (c *Coordinator) Fetch(ctx context.Context, url string) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", fmt.Errorf("%w: url is required", domain.ErrDownload)
	}
	if c.shutdownCtx.Err() != nil {
		return "", fmt.Errorf("%w: coordinator is shut down", domain.ErrDownload)
	}

	return c.fetch(ctx, url)
}

func (c *Coordinator) fetch(ctx context.Context, url string) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.shutdownCtx, cancel)
	defer stop()

	if err := c.sem.Acquire(runCtx, 1); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrDownload, err)
	}
	defer c.sem.Release(1)

	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	if err := c.checkDuration(runCtx, url); err != nil {
		metrics.DownloadsTotal.WithLabelValues("probe", "rejected").Inc()
		return "", err
	}

	if err := os.MkdirAll(c.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: temp dir: %s", domain.ErrDownload, err)
	}
	template := filepath.Join(c.tempDir, uuid.NewString()+".%(ext)s")

	startedAt := time.Now()
	path, err := c.extractor.Extract(runCtx, url, template, c.timeout, c.retries)
	metrics.DownloadDuration.Observe(time.Since(startedAt).Seconds())
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("extractor", "error").Inc()
		c.removePartials(template)
		if runCtx.Err() != nil && ctx.Err() == nil {
			return "", fmt.Errorf("%w: download cancelled by shutdown", domain.ErrDownload)
		}
		return "", fmt.Errorf("%w: %s", domain.ErrDownload, err)
	}

	metrics.DownloadsTotal.WithLabelValues("extractor", "ok").Inc()
	c.logger.Debug("download complete",
		slog.String("url", url),
		slog.String("path", path),
		slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
	)
	return path, nil
}

// checkDuration rejects tracks the probe reports as outside the playable
// window. A failed probe is not fatal: the extractor will surface real
// problems during the download itself.
func (c *Coordinator) checkDuration(ctx context.Context, url string) error {
	info, err := c.extractor.Probe(ctx, url)
	if err != nil {
		c.logger.Debug("probe failed, continuing without duration gate",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if info.Duration <= 0 {
		return nil
	}
	if info.Duration < minTrackDuration || info.Duration > maxTrackDuration {
		return fmt.Errorf("%w: duration %s outside playable range [%s, %s]",
			domain.ErrUnsupported, info.Duration, minTrackDuration, maxTrackDuration)
	}
	return nil
}

// removePartials unlinks whatever the extractor left behind for template.
func (c *Coordinator) removePartials(template string) {
	pattern := strings.Replace(template, "%(ext)s", "*", 1)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove partial download",
				slog.String("path", match),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Shutdown cancels in-flight extractions; their callers observe a
// cancellation error.
func (c *Coordinator) Shutdown() {
	c.shutdown()
}
