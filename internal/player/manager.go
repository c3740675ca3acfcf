package player

import (
	"log/slog"
	"sync"

	"botplayer/internal/domain"
	"botplayer/internal/domain/ports"
	"botplayer/internal/metrics"
)

const defaultVolumePercent = 50

// Manager owns one Player per guild. Players are created on first use and
// live until Shutdown; guilds never share playback state, so everything past
// the lookup map is embarrassingly parallel.
type Manager struct {
	transport ports.VoiceTransport
	loader    Loader
	logger    *slog.Logger
	onPlay    func(ports.GuildID, domain.Track)
	volume    float64

	mu      sync.Mutex
	players map[ports.GuildID]*Player
}

type ManagerOption func(*Manager)

// WithDefaultVolume sets the starting volume for new players, in percent.
func WithDefaultVolume(percent int) ManagerOption {
	return func(m *Manager) {
		if percent >= 0 && percent <= 100 {
			m.volume = float64(percent) / 100
		}
	}
}

// WithPlayHook registers a callback invoked after each successful playback
// start, off the player mutex. The orchestrator uses it for play history.
func WithPlayHook(fn func(ports.GuildID, domain.Track)) ManagerOption {
	return func(m *Manager) { m.onPlay = fn }
}

func NewManager(transport ports.VoiceTransport, loader Loader, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		transport: transport,
		loader:    loader,
		logger:    logger,
		volume:    float64(defaultVolumePercent) / 100,
		players:   make(map[ports.GuildID]*Player),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Player returns the guild's player, creating it on first use.
func (m *Manager) Player(guild ports.GuildID) *Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[guild]; ok {
		return p
	}
	var onPlay func(domain.Track)
	if m.onPlay != nil {
		hook := m.onPlay
		onPlay = func(track domain.Track) { hook(guild, track) }
	}
	p := newPlayer(guild, m.transport, m.loader, m.logger, m.volume, onPlay)
	m.players[guild] = p
	metrics.ActivePlayers.Set(float64(len(m.players)))
	return p
}

// States snapshots every guild's player for the status API.
func (m *Manager) States() []domain.PlayerState {
	m.mu.Lock()
	players := make([]*Player, 0, len(m.players))
	for _, p := range m.players {
		players = append(players, p)
	}
	m.mu.Unlock()

	states := make([]domain.PlayerState, 0, len(players))
	for _, p := range players {
		states = append(states, p.State())
	}
	return states
}

// Shutdown stops every player and disconnects the voice transport.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	players := make(map[ports.GuildID]*Player, len(m.players))
	for guild, p := range m.players {
		players[guild] = p
	}
	m.players = make(map[ports.GuildID]*Player)
	m.mu.Unlock()

	for guild, p := range players {
		if err := p.Stop(); err != nil {
			m.logger.Warn("stop on shutdown", "guild", string(guild), "error", err)
		}
		if err := m.transport.Disconnect(guild); err != nil {
			m.logger.Warn("disconnect on shutdown", "guild", string(guild), "error", err)
		}
	}
	metrics.ActivePlayers.Set(0)
}
