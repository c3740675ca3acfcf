package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	apihttp "botplayer/internal/api/http"
	"botplayer/internal/app"
	"botplayer/internal/bot"
	"botplayer/internal/cache"
	"botplayer/internal/domain/ports"
	"botplayer/internal/download"
	"botplayer/internal/extractor"
	"botplayer/internal/metrics"
	"botplayer/internal/playlist"
	"botplayer/internal/sources"
	"botplayer/internal/store"
	"botplayer/internal/telemetry"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const stateBroadcastInterval = 2 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "botplayer", version)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "botplayer"),
		slog.String("version", version),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("dataDir", cfg.DataDir),
		slog.String("sources", strings.Join(cfg.Sources.Enabled, ",")),
		slog.String("logLevel", cfg.Logging.Level),
		slog.String("logFormat", cfg.Logging.Format),
	)

	for _, dir := range []string{cfg.DataDir, cfg.CacheDir(), cfg.PluginsDir(), cfg.PlaylistsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("create data dir failed", slog.String("dir", dir), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := extractor.New(cfg.Cache.ExtractorPath, cfg.Cache.AudioFormat)
	coordinator := download.NewCoordinator(runner, filepath.Join(cfg.DataDir, "tmp"), logger,
		download.WithMaxConcurrent(cfg.Cache.MaxConcurrentDownloads),
		download.WithTimeout(cfg.Cache.DownloadTimeout),
	)

	engine, err := cache.NewEngine(cfg.CacheDir(), coordinator, logger,
		cache.WithMaxSize(cfg.Cache.MaxSizeBytes),
		cache.WithMinAccessInterval(cfg.Cache.MinAccessInterval),
	)
	if err != nil {
		logger.Error("cache init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metaStore, err := store.Open(cfg.StorePath())
	if err != nil {
		logger.Error("store open failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registryOpts := []sources.RegistryOption{
		sources.WithSearchTimeout(cfg.Sources.SearchTimeout),
		sources.WithPriority(cfg.Sources.Priority),
	}
	var redisClient *redis.Client
	if cfg.Sources.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Sources.RedisAddr})
		registryOpts = append(registryOpts,
			sources.WithResultCache(sources.NewResultCache(redisClient, cfg.Sources.CacheTTL)))
		logger.Info("search result cache enabled", slog.String("redisAddr", cfg.Sources.RedisAddr))
	}
	registry := sources.NewRegistry(logger, registryOpts...)

	httpClient := &http.Client{Timeout: cfg.Sources.SearchTimeout}
	for _, name := range cfg.Sources.Enabled {
		var src sources.Source
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "bilibili":
			src = sources.NewBilibili(httpClient)
		case "netease":
			src = sources.NewNetease(httpClient)
		case "local":
			src = sources.NewLocal(cfg.Sources.MusicDirs)
		default:
			logger.Warn("unknown source in config, skipping", slog.String("source", name))
			continue
		}
		if err := registry.Register(src); err != nil {
			logger.Error("source registration failed",
				slog.String("source", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	importer := playlist.NewImporter(httpClient, logger,
		playlist.WithAllowedDomains(cfg.Import.AllowedDomains),
		playlist.WithMaxFileSize(cfg.Import.MaxFileSize),
		playlist.WithFetchTimeout(cfg.Import.Timeout),
	)

	orch := bot.New(bot.Deps{
		Sources:       registry,
		Cache:         engine,
		Store:         metaStore,
		Importer:      importer,
		Transport:     unconfiguredVoice{},
		Logger:        logger,
		PlaylistsDir:  cfg.PlaylistsDir(),
		MaxResults:    cfg.Sources.MaxResults,
		VolumePercent: int(cfg.Playback.DefaultVolume * 100),
	})

	handler := apihttp.NewServer(orch.Players(), engine, registry,
		apihttp.WithLogger(logger),
		apihttp.WithVersion(version),
	)

	go broadcastStates(rootCtx, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	orch.Shutdown()
	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	coordinator.Shutdown()
	if err := engine.Close(); err != nil {
		logger.Warn("cache close error", slog.String("error", err.Error()))
	}
	if err := metaStore.Close(); err != nil {
		logger.Warn("store close error", slog.String("error", err.Error()))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// broadcastStates pushes per-guild player snapshots to websocket clients on a
// fixed cadence.
func broadcastStates(ctx context.Context, handler *apihttp.Server) {
	ticker := time.NewTicker(stateBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			handler.BroadcastStates()
		}
	}
}

// unconfiguredVoice stands in until a chat-platform adapter injects its
// transport. Every voice operation fails with a clear message, so play
// commands reach the user as an error instead of wedging a player.
type unconfiguredVoice struct{}

var errNoVoice = errors.New("no voice transport configured")

func (unconfiguredVoice) EnsureConnected(context.Context, ports.GuildID, string, string) error {
	return errNoVoice
}

func (unconfiguredVoice) PlayFile(context.Context, ports.GuildID, string, float64) (<-chan error, error) {
	return nil, errNoVoice
}

func (unconfiguredVoice) Pause(ports.GuildID) error      { return errNoVoice }
func (unconfiguredVoice) Resume(ports.GuildID) error     { return errNoVoice }
func (unconfiguredVoice) Stop(ports.GuildID) error       { return nil }
func (unconfiguredVoice) IsPlaying(ports.GuildID) bool   { return false }
func (unconfiguredVoice) Disconnect(ports.GuildID) error { return nil }

func newLogger(cfg app.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer
	if strings.TrimSpace(cfg.File) != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	options := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.ToLower(strings.TrimSpace(cfg.Format)) == "json" {
		return slog.New(slog.NewJSONHandler(out, options)), closer, nil
	}
	return slog.New(slog.NewTextHandler(out, options)), closer, nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
