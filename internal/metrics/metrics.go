package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botplayer",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "botplayer",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	SearchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botplayer",
		Name:      "searches_total",
		Help:      "Total search requests per source plugin and outcome.",
	}, []string{"source", "outcome"})

	SearchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "botplayer",
		Name:      "search_duration_seconds",
		Help:      "Per-plugin search latency in seconds.",
		Buckets:   []float64{0.1, 0.3, 0.5, 1, 2, 5, 10},
	}, []string{"source"})

	DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botplayer",
		Name:      "downloads_total",
		Help:      "Total audio downloads per source and outcome.",
	}, []string{"source", "outcome"})

	DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "botplayer",
		Name:      "download_duration_seconds",
		Help:      "Audio download and extraction duration in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})

	ActiveDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botplayer",
		Name:      "active_downloads",
		Help:      "Number of downloads currently holding a coordinator slot.",
	})

	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botplayer",
		Name:      "cache_size_bytes",
		Help:      "Current total size of the audio cache in bytes.",
	})

	CacheTracks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botplayer",
		Name:      "cache_tracks",
		Help:      "Number of tracks referenced by the audio cache.",
	})

	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botplayer",
		Name:      "cache_requests_total",
		Help:      "Audio cache lookups by result (hit, miss, dedup).",
	}, []string{"result"})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botplayer",
		Name:      "cache_evictions_total",
		Help:      "Total cache files evicted by the size budget enforcer.",
	})

	ActivePlayers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botplayer",
		Name:      "active_players",
		Help:      "Number of guilds with a player in a non-idle state.",
	})

	PlaybackStartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botplayer",
		Name:      "playback_starts_total",
		Help:      "Total playback starts per source.",
	}, []string{"source"})

	PlaybackErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botplayer",
		Name:      "playback_errors_total",
		Help:      "Total playback failures that forced an auto-advance.",
	})

	PlaylistImportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botplayer",
		Name:      "playlist_imports_total",
		Help:      "Total playlist imports by detected format and outcome.",
	}, []string{"format", "outcome"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SearchesTotal,
		SearchDuration,
		DownloadsTotal,
		DownloadDuration,
		ActiveDownloads,
		CacheSizeBytes,
		CacheTracks,
		CacheHitsTotal,
		CacheEvictionsTotal,
		ActivePlayers,
		PlaybackStartsTotal,
		PlaybackErrorsTotal,
		PlaylistImportsTotal,
	)
}
