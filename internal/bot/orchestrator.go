package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"botplayer/internal/cache"
	"botplayer/internal/domain"
	"botplayer/internal/domain/ports"
	"botplayer/internal/player"
	"botplayer/internal/playlist"
	"botplayer/internal/sources"
	"botplayer/internal/store"
)

const defaultMaxResults = 20

// Command is one parsed chat command, already stripped of the bot prefix.
// The chat adapter fills Guild/Channel/User from the message context.
type Command struct {
	Guild   ports.GuildID
	Channel string
	User    string
	Name    string
	Args    []string
}

// ParseCommand splits a prefixed message into a command name and arguments.
// It returns ok=false when the message does not carry the prefix.
func ParseCommand(prefix, content string) (name string, args []string, ok bool) {
	if !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Deps carries the orchestrator's collaborators. Everything is constructed
// by the caller; the orchestrator only glues them together.
type Deps struct {
	Sources       *sources.Registry
	Cache         *cache.Engine
	Store         *store.Store
	Importer      *playlist.Importer
	Transport     ports.VoiceTransport
	Logger        *slog.Logger
	PlaylistsDir  string
	MaxResults    int
	VolumePercent int
}

// Orchestrator maps chat commands onto the core components. It owns the
// per-guild player manager and the track-loading pipeline behind it.
type Orchestrator struct {
	sources      *sources.Registry
	cache        *cache.Engine
	store        *store.Store
	importer     *playlist.Importer
	transport    ports.VoiceTransport
	players      *player.Manager
	logger       *slog.Logger
	playlistsDir string
	maxResults   int
}

func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxResults := deps.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	o := &Orchestrator{
		sources:      deps.Sources,
		cache:        deps.Cache,
		store:        deps.Store,
		importer:     deps.Importer,
		transport:    deps.Transport,
		logger:       logger,
		playlistsDir: deps.PlaylistsDir,
		maxResults:   maxResults,
	}
	o.players = player.NewManager(deps.Transport, o.loadTrack, logger,
		player.WithDefaultVolume(deps.VolumePercent),
		player.WithPlayHook(o.recordPlay),
	)
	return o
}

// Players exposes the per-guild manager for the status API.
func (o *Orchestrator) Players() *player.Manager { return o.players }

// Shutdown stops all playback and disconnects voice.
func (o *Orchestrator) Shutdown() { o.players.Shutdown() }

// loadTrack is the pipeline behind every playback start: resolve the play
// URL, then fetch through the audio cache. Local tracks carry a file path in
// their extras and skip resolution; the cache passes them straight through.
func (o *Orchestrator) loadTrack(ctx context.Context, track domain.Track) (string, error) {
	url := track.URL
	if track.ExtraString("file_path") == "" && url == "" {
		resolved, err := o.sources.ResolvePlayURL(ctx, track)
		if err != nil {
			return "", err
		}
		url = resolved
	}
	return o.cache.Get(ctx, track, url)
}

// recordPlay runs after each successful playback start, off the player
// mutex. Store failures must never interrupt playback.
func (o *Orchestrator) recordPlay(guild ports.GuildID, track domain.Track) {
	if err := o.store.UpsertTrack(track); err != nil {
		o.logger.Warn("upsert played track", "guild", string(guild), "error", err)
		return
	}
	if err := o.store.AppendHistory(track.ID, time.Now(), track.Duration); err != nil {
		o.logger.Warn("append play history", "guild", string(guild), "error", err)
	}
}

// Handle executes one command and returns the user-facing reply. Failures
// come back as a short marked sentence, never a stack trace.
func (o *Orchestrator) Handle(ctx context.Context, cmd Command) string {
	reply, err := o.dispatch(ctx, cmd)
	if err != nil {
		o.logger.Warn("command failed",
			"command", cmd.Name, "guild", string(cmd.Guild), "error", err)
		return "❌ " + userMessage(err)
	}
	return reply
}

func (o *Orchestrator) dispatch(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Name {
	case "play":
		return o.cmdPlay(ctx, cmd)
	case "search":
		return o.cmdSearch(ctx, cmd)
	case "pause":
		return o.simple(cmd, func(p *player.Player) error { return p.Pause() }, "⏸️ Paused")
	case "resume":
		return o.simple(cmd, func(p *player.Player) error { return p.Resume() }, "▶️ Resumed")
	case "stop":
		return o.simple(cmd, func(p *player.Player) error { return p.Stop() }, "⏹️ Stopped")
	case "skip":
		return o.simple(cmd, func(p *player.Player) error { return p.Skip() }, "⏭️ Skipped")
	case "previous":
		return o.simple(cmd, func(p *player.Player) error { return p.Previous(ctx) }, "⏮️ Went back one track")
	case "now":
		return o.cmdNow(cmd)
	case "queue":
		return o.cmdQueue(cmd)
	case "shuffle":
		o.players.Player(cmd.Guild).ShuffleQueue()
		return "🔀 Queue shuffled", nil
	case "repeat":
		return o.cmdRepeat(cmd)
	case "volume":
		return o.cmdVolume(cmd)
	case "history":
		return o.cmdHistory(cmd)
	case "playlist":
		return o.cmdPlaylist(ctx, cmd)
	case "cache":
		return o.cmdCache(cmd)
	case "sources":
		return o.cmdSources(cmd)
	case "help":
		return helpText, nil
	default:
		return fmt.Sprintf("❓ Unknown command %q. Try help.", cmd.Name), nil
	}
}

func (o *Orchestrator) simple(cmd Command, op func(*player.Player) error, reply string) (string, error) {
	if err := op(o.players.Player(cmd.Guild)); err != nil {
		return "", err
	}
	return reply, nil
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, playlist.ErrUnsafeURL):
		return "That URL is not allowed for playlist import."
	case errors.Is(err, playlist.ErrTooLarge):
		return "The playlist document is too large."
	case errors.Is(err, domain.ErrProtocol):
		return "Could not parse that playlist document."
	case errors.Is(err, domain.ErrNotFound):
		return "Nothing found for that request."
	case errors.Is(err, domain.ErrPermission):
		return "I cannot join that voice channel."
	case errors.Is(err, domain.ErrUnsupported):
		return "That cannot be played."
	case errors.Is(err, domain.ErrDownload), errors.Is(err, domain.ErrExtractor):
		return "The download failed. Try again later."
	case errors.Is(err, domain.ErrSource):
		return "Every music source failed. Try again later."
	case errors.Is(err, domain.ErrPlayback):
		return trimError(err)
	case errors.Is(err, domain.ErrCache), errors.Is(err, domain.ErrStore):
		return "Internal storage error. Try again later."
	default:
		return "Something went wrong."
	}
}

// trimError strips the sentinel prefix from a playback error so the reply
// reads as a sentence ("nothing is playing" instead of "playback error: ...").
func trimError(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		msg = msg[idx+2:]
	}
	if msg == "" {
		return "Playback error."
	}
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}
