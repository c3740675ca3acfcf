package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"botplayer/internal/domain"
	"botplayer/internal/domain/ports"
	"botplayer/internal/metrics"
)

// startTimeout bounds the load-and-start pipeline of one track, including
// the download behind a cache miss.
const startTimeout = 5 * time.Minute

// Loader resolves a track to a playable local file. In production this is
// the cache front: resolve the play URL, fetch through the audio cache,
// return the cached path.
type Loader func(ctx context.Context, track domain.Track) (string, error)

// Player is one guild's playback state machine. Every mutation runs under
// the player mutex; completion signals arrive from a transport goroutine and
// re-enter through handleTrackEnd, which takes the same mutex before touching
// anything. The session counter invalidates callbacks that belong to a
// playback superseded by stop or previous.
type Player struct {
	guild     ports.GuildID
	transport ports.VoiceTransport
	loader    Loader
	logger    *slog.Logger
	onPlay    func(domain.Track)

	mu        sync.Mutex
	queue     domain.PlayQueue
	status    domain.PlayerStatus
	volume    float64
	lastError string
	advancing bool
	session   uint64
}

func newPlayer(guild ports.GuildID, transport ports.VoiceTransport, loader Loader, logger *slog.Logger, volume float64, onPlay func(domain.Track)) *Player {
	return &Player{
		guild:     guild,
		transport: transport,
		loader:    loader,
		logger:    logger.With("guild", string(guild)),
		onPlay:    onPlay,
		status:    domain.StatusIdle,
		volume:    volume,
	}
}

// Play appends a track to the queue. When nothing is playing it starts
// immediately and returns started=true; otherwise the track waits its turn.
func (p *Player) Play(ctx context.Context, track domain.Track) (started bool, err error) {
	p.mu.Lock()
	p.queue.Add(track, -1)
	if p.status == domain.StatusPlaying || p.status == domain.StatusPaused || p.status == domain.StatusBuffering {
		position := len(p.queue.Songs) - 1
		p.mu.Unlock()
		p.logger.Info("track queued", "title", track.Title, "position", position)
		return false, nil
	}
	p.queue.CurrentIndex = len(p.queue.Songs) - 1
	p.mu.Unlock()
	return true, p.start(ctx, true)
}

// PlayAll replaces the queue with the given tracks and starts from the first.
func (p *Player) PlayAll(ctx context.Context, tracks []domain.Track) error {
	if len(tracks) == 0 {
		return fmt.Errorf("%w: empty track list", domain.ErrPlayback)
	}
	p.mu.Lock()
	p.queue.Clear()
	p.queue.Songs = append(p.queue.Songs, tracks...)
	p.queue.CurrentIndex = 0
	p.mu.Unlock()
	return p.start(ctx, true)
}

func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != domain.StatusPlaying {
		return fmt.Errorf("%w: nothing is playing", domain.ErrPlayback)
	}
	if err := p.transport.Pause(p.guild); err != nil {
		return fmt.Errorf("%w: pause: %s", domain.ErrPlayback, err)
	}
	p.status = domain.StatusPaused
	return nil
}

func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != domain.StatusPaused {
		return fmt.Errorf("%w: nothing is paused", domain.ErrPlayback)
	}
	if err := p.transport.Resume(p.guild); err != nil {
		return fmt.Errorf("%w: resume: %s", domain.ErrPlayback, err)
	}
	p.status = domain.StatusPlaying
	return nil
}

// Stop halts playback and invalidates the pending completion callback, so no
// auto-advance follows. The queue itself survives.
func (p *Player) Stop() error {
	p.mu.Lock()
	p.session++
	p.status = domain.StatusIdle
	p.lastError = ""
	err := p.transport.Stop(p.guild)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: stop: %s", domain.ErrPlayback, err)
	}
	return nil
}

// Skip asks the transport to end the current track. The advance happens in
// the completion callback, never here, so a skip racing the natural end of
// the track cannot double-advance.
func (p *Player) Skip() error {
	p.mu.Lock()
	active := p.status == domain.StatusPlaying || p.status == domain.StatusPaused
	p.mu.Unlock()
	if !active {
		return fmt.Errorf("%w: nothing to skip", domain.ErrPlayback)
	}
	if err := p.transport.Stop(p.guild); err != nil {
		return fmt.Errorf("%w: skip: %s", domain.ErrPlayback, err)
	}
	return nil
}

// Previous steps the queue cursor backwards and restarts playback there.
func (p *Player) Previous(ctx context.Context) error {
	p.mu.Lock()
	if _, ok := p.queue.Previous(); !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: already at the first track", domain.ErrPlayback)
	}
	p.session++ // the in-flight completion must not advance over us
	p.mu.Unlock()
	_ = p.transport.Stop(p.guild)
	return p.start(ctx, false)
}

func (p *Player) SetVolume(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: volume %d out of range 0..100", domain.ErrPlayback, percent)
	}
	p.mu.Lock()
	p.volume = float64(percent) / 100
	p.mu.Unlock()
	return nil
}

func (p *Player) SetMode(mode domain.PlayMode) {
	p.mu.Lock()
	p.queue.Mode = mode
	p.queue.ShuffleHistory = nil
	p.mu.Unlock()
}

// ShuffleQueue reorders the queued tracks in place.
func (p *Player) ShuffleQueue() {
	p.mu.Lock()
	p.queue.ShuffleAll()
	p.mu.Unlock()
}

// Enqueue appends tracks without touching playback.
func (p *Player) Enqueue(tracks ...domain.Track) {
	p.mu.Lock()
	for _, track := range tracks {
		p.queue.Add(track, -1)
	}
	p.mu.Unlock()
}

// ClearQueue stops nothing; it only empties the pending track list.
func (p *Player) ClearQueue() {
	p.mu.Lock()
	p.queue.Clear()
	p.mu.Unlock()
}

// State returns a snapshot safe for serialization.
func (p *Player) State() domain.PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := domain.PlayerState{
		Guild:       string(p.guild),
		Status:      p.status,
		Volume:      p.volume,
		Mode:        p.queue.Mode,
		QueueLength: len(p.queue.Songs),
		QueueIndex:  p.queue.CurrentIndex,
		LastError:   p.lastError,
	}
	if state.Mode == "" {
		state.Mode = domain.ModeSequential
	}
	if p.status != domain.StatusIdle {
		if current, ok := p.queue.Current(); ok {
			state.Current = &current
		}
	}
	return state
}

// Queue returns a copy of the queued tracks and the cursor position.
func (p *Player) Queue() ([]domain.Track, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	songs := make([]domain.Track, len(p.queue.Songs))
	copy(songs, p.queue.Songs)
	return songs, p.queue.CurrentIndex
}

// start plays the track under the queue cursor. The loader and the transport
// run outside the mutex; only the state commit at the end is locked. When
// advanceOnError is set a failed start consumes exactly one advance and tries
// the next track once.
func (p *Player) start(ctx context.Context, advanceOnError bool) error {
	p.mu.Lock()
	track, ok := p.queue.Current()
	if !ok {
		p.status = domain.StatusIdle
		p.mu.Unlock()
		return fmt.Errorf("%w: nothing to play", domain.ErrPlayback)
	}
	p.status = domain.StatusBuffering
	p.session++
	session := p.session
	volume := p.volume
	p.mu.Unlock()

	path, err := p.loader(ctx, track)
	if err != nil {
		return p.startFailed(ctx, session, track, err, advanceOnError)
	}

	done, err := p.transport.PlayFile(ctx, p.guild, path, volume)
	if err != nil {
		return p.startFailed(ctx, session, track, err, advanceOnError)
	}

	p.mu.Lock()
	if p.session != session {
		// Superseded while loading. If a stop landed, silence the transport.
		stopped := p.status == domain.StatusIdle
		p.mu.Unlock()
		if stopped {
			_ = p.transport.Stop(p.guild)
		}
		return nil
	}
	p.status = domain.StatusPlaying
	p.lastError = ""
	p.mu.Unlock()

	metrics.PlaybackStartsTotal.WithLabelValues(track.Source).Inc()
	if p.onPlay != nil {
		p.onPlay(track)
	}
	p.logger.Info("playing", "title", track.Title, "artist", track.Artist, "source", track.Source)

	go func() {
		playErr := <-done
		p.handleTrackEnd(session, playErr)
	}()
	return nil
}

func (p *Player) startFailed(ctx context.Context, session uint64, track domain.Track, cause error, advance bool) error {
	metrics.PlaybackErrorsTotal.Inc()
	err := fmt.Errorf("play %q: %w", track.Title, cause)

	p.mu.Lock()
	if p.session != session {
		p.mu.Unlock()
		return err
	}
	p.status = domain.StatusError
	p.lastError = cause.Error()
	tryNext := advance && p.queue.HasNext()
	if tryNext {
		p.queue.Next()
	}
	p.mu.Unlock()

	p.logger.Warn("playback start failed", "title", track.Title, "error", cause)
	if tryNext {
		if nextErr := p.start(ctx, false); nextErr != nil {
			p.logger.Warn("advance after failure also failed", "error", nextErr)
		}
	}
	return err
}

// handleTrackEnd is the completion callback. It arrives on a transport
// goroutine, so all it may do is take the player mutex and work from there.
// The advancing flag keeps a second completion from overlapping the advance
// already in flight; the session check drops callbacks that were invalidated
// by stop or previous.
func (p *Player) handleTrackEnd(session uint64, playErr error) {
	p.mu.Lock()
	if session != p.session || p.advancing {
		p.mu.Unlock()
		return
	}
	if playErr != nil {
		p.status = domain.StatusError
		p.lastError = playErr.Error()
		metrics.PlaybackErrorsTotal.Inc()
	}
	p.advancing = true
	_, hasNext := p.queue.Next()
	if !hasNext {
		if playErr == nil {
			p.status = domain.StatusIdle
		}
		p.advancing = false
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	err := p.start(ctx, false)

	p.mu.Lock()
	p.advancing = false
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("auto-advance failed", "error", err)
	}
}
