package apihttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"botplayer/internal/cache"
	"botplayer/internal/domain"
	"botplayer/internal/sources"
)

// PlayerStates snapshots every guild's player.
type PlayerStates interface {
	States() []domain.PlayerState
}

// CacheReporter exposes audio-cache occupancy.
type CacheReporter interface {
	Stats() (cache.Stats, error)
}

// SourceLister reports the registered music sources.
type SourceLister interface {
	Enabled() []sources.SourceInfo
}

// Server is the read-only status API: health, a JSON status document, live
// player-state pushes over websocket, and Prometheus metrics. It never
// mutates playback; that stays with the chat command surface.
type Server struct {
	players        PlayerStates
	cache          CacheReporter
	sources        SourceLister
	version        string
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
	startedAt      time.Time
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func WithVersion(version string) ServerOption {
	return func(s *Server) { s.version = version }
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

func NewServer(players PlayerStates, cacheReporter CacheReporter, lister SourceLister, opts ...ServerOption) *Server {
	s := &Server{
		players:   players,
		cache:     cacheReporter,
		sources:   lister,
		version:   "dev",
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "botplayer",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close shuts the websocket hub down, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

// BroadcastStates pushes the current per-guild snapshots to all websocket
// clients. The caller decides the cadence.
func (s *Server) BroadcastStates() {
	if s.wsHub == nil || s.players == nil {
		return
	}
	s.wsHub.BroadcastStates(s.players.States())
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

type statusResponse struct {
	Version string               `json:"version"`
	Players []domain.PlayerState `json:"players"`
	Cache   *cache.Stats         `json:"cache,omitempty"`
	Sources []sources.SourceInfo `json:"sources,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	resp := statusResponse{Version: s.version}
	if s.players != nil {
		resp.Players = s.players.States()
	}
	if resp.Players == nil {
		resp.Players = []domain.PlayerState{}
	}
	if s.cache != nil {
		stats, err := s.cache.Stats()
		if err != nil {
			s.logger.Warn("cache stats failed", slog.String("error", err.Error()))
		} else {
			resp.Cache = &stats
		}
	}
	if s.sources != nil {
		resp.Sources = s.sources.Enabled()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}
