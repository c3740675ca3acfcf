package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"botplayer/internal/domain"
	"botplayer/internal/playlist"
)

const helpText = "Commands: play <query>, search <query>, pause, resume, stop, skip, previous, now, queue, " +
	"shuffle, repeat off|all|one|shuffle, volume 0..100, history [n], " +
	"playlist list|import <url|file>|export <name> [simple|musicfree]|play <name>, " +
	"cache [status|clear|cleanup], sources, help"

func (o *Orchestrator) cmdPlay(ctx context.Context, cmd Command) (string, error) {
	query := strings.Join(cmd.Args, " ")
	if query == "" {
		return "Usage: play <query>", nil
	}
	if err := o.transport.EnsureConnected(ctx, cmd.Guild, cmd.Channel, cmd.User); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrPermission, err)
	}

	results, err := o.sources.Search(ctx, query, "", o.maxResults)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%w: no results for %q", domain.ErrNotFound, query)
	}
	top := results[0]

	started, err := o.players.Player(cmd.Guild).Play(ctx, top)
	if err != nil {
		return "", err
	}
	if started {
		return fmt.Sprintf("▶️ Now playing: %s", trackLine(top)), nil
	}
	return fmt.Sprintf("➕ Queued: %s", trackLine(top)), nil
}

func (o *Orchestrator) cmdSearch(ctx context.Context, cmd Command) (string, error) {
	var filter string
	args := cmd.Args
	// "search bilibili: some song" narrows to one source.
	if len(args) > 0 && strings.HasSuffix(args[0], ":") {
		filter = strings.TrimSuffix(args[0], ":")
		args = args[1:]
	}
	query := strings.Join(args, " ")
	if query == "" {
		return "Usage: search <query>", nil
	}

	results, err := o.sources.Search(ctx, query, filter, o.maxResults)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%w: no results for %q", domain.ErrNotFound, query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 Results for %q:\n", query)
	shown := len(results)
	if shown > 10 {
		shown = 10
	}
	for i := 0; i < shown; i++ {
		fmt.Fprintf(&b, "%2d. %s\n", i+1, trackLine(results[i]))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *Orchestrator) cmdNow(cmd Command) (string, error) {
	state := o.players.Player(cmd.Guild).State()
	if state.Current == nil {
		return "Nothing is playing.", nil
	}
	marker := "▶️"
	if state.Status == domain.StatusPaused {
		marker = "⏸️"
	}
	return fmt.Sprintf("%s %s [%s, volume %d%%]",
		marker, trackLine(*state.Current), state.Mode, int(state.Volume*100)), nil
}

func (o *Orchestrator) cmdQueue(cmd Command) (string, error) {
	songs, index := o.players.Player(cmd.Guild).Queue()
	if len(songs) == 0 {
		return "The queue is empty.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🎵 Queue (%d tracks):\n", len(songs))
	for i, track := range songs {
		if i >= 15 {
			fmt.Fprintf(&b, "… and %d more\n", len(songs)-i)
			break
		}
		cursor := "  "
		if i == index {
			cursor = "▶ "
		}
		fmt.Fprintf(&b, "%s%2d. %s\n", cursor, i+1, trackLine(track))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *Orchestrator) cmdRepeat(cmd Command) (string, error) {
	if len(cmd.Args) != 1 {
		return "Usage: repeat off|all|one|shuffle", nil
	}
	mode, ok := domain.ParsePlayMode(cmd.Args[0])
	if !ok {
		return "Usage: repeat off|all|one|shuffle", nil
	}
	o.players.Player(cmd.Guild).SetMode(mode)
	return fmt.Sprintf("🔁 Repeat mode: %s", mode), nil
}

func (o *Orchestrator) cmdVolume(cmd Command) (string, error) {
	if len(cmd.Args) != 1 {
		return "Usage: volume 0..100", nil
	}
	percent, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		return "Usage: volume 0..100", nil
	}
	if err := o.players.Player(cmd.Guild).SetVolume(percent); err != nil {
		return "", err
	}
	return fmt.Sprintf("🔊 Volume: %d%% (applies from the next track)", percent), nil
}

func (o *Orchestrator) cmdHistory(cmd Command) (string, error) {
	limit := 10
	if len(cmd.Args) == 1 {
		if n, err := strconv.Atoi(cmd.Args[0]); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := o.store.RecentHistory(limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No play history yet.", nil
	}
	var b strings.Builder
	b.WriteString("🕘 Recently played:\n")
	for i, entry := range entries {
		fmt.Fprintf(&b, "%2d. %s (%s)\n", i+1, trackLine(entry.Track),
			entry.PlayedAt.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *Orchestrator) cmdPlaylist(ctx context.Context, cmd Command) (string, error) {
	if len(cmd.Args) == 0 {
		cmd.Args = []string{"list"}
	}
	sub, rest := cmd.Args[0], cmd.Args[1:]
	switch sub {
	case "list":
		return o.playlistList()
	case "import":
		if len(rest) != 1 {
			return "Usage: playlist import <url|file>", nil
		}
		return o.playlistImport(ctx, rest[0])
	case "export":
		if len(rest) == 0 {
			return "Usage: playlist export <name> [simple|musicfree]", nil
		}
		format := playlist.FormatSimple
		if len(rest) > 1 {
			format = rest[len(rest)-1]
			rest = rest[:len(rest)-1]
		}
		return o.playlistExport(strings.Join(rest, " "), format)
	case "play":
		if len(rest) == 0 {
			return "Usage: playlist play <name>", nil
		}
		return o.playlistPlay(ctx, cmd, strings.Join(rest, " "))
	case "delete":
		if len(rest) == 0 {
			return "Usage: playlist delete <name>", nil
		}
		return o.playlistDelete(strings.Join(rest, " "))
	default:
		return "Usage: playlist list|import|export|play|delete", nil
	}
}

func (o *Orchestrator) playlistList() (string, error) {
	summaries, err := o.store.ListPlaylists()
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "No playlists saved.", nil
	}
	var b strings.Builder
	b.WriteString("📋 Playlists:\n")
	for _, item := range summaries {
		fmt.Fprintf(&b, "• %s - %d tracks", item.Name, item.TrackCount)
		if item.Creator != "" {
			fmt.Fprintf(&b, " (by %s)", item.Creator)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *Orchestrator) playlistImport(ctx context.Context, location string) (string, error) {
	var (
		imported domain.Playlist
		err      error
	)
	if strings.Contains(location, "://") {
		imported, err = o.importer.ImportURL(ctx, location)
	} else {
		imported, err = o.importer.ImportFile(location)
	}
	if err != nil {
		return "", err
	}
	if err := o.store.UpsertPlaylist(imported); err != nil {
		return "", err
	}
	return fmt.Sprintf("📥 Imported playlist %q with %d tracks", imported.Name, len(imported.Songs)), nil
}

func (o *Orchestrator) playlistExport(name, format string) (string, error) {
	loaded, err := o.store.LoadPlaylistByName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(o.playlistsDir, sanitizeFilename(name)+".json")
	if err := playlist.ExportFile(loaded, path, format); err != nil {
		return "", err
	}
	return fmt.Sprintf("📤 Exported %q to %s", name, path), nil
}

func (o *Orchestrator) playlistPlay(ctx context.Context, cmd Command, name string) (string, error) {
	loaded, err := o.store.LoadPlaylistByName(name)
	if err != nil {
		return "", err
	}
	if len(loaded.Songs) == 0 {
		return "", fmt.Errorf("%w: playlist %q is empty", domain.ErrPlayback, name)
	}
	if err := o.transport.EnsureConnected(ctx, cmd.Guild, cmd.Channel, cmd.User); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrPermission, err)
	}
	if err := o.players.Player(cmd.Guild).PlayAll(ctx, loaded.Songs); err != nil {
		return "", err
	}
	return fmt.Sprintf("▶️ Playing playlist %q (%d tracks)", loaded.Name, len(loaded.Songs)), nil
}

func (o *Orchestrator) playlistDelete(name string) (string, error) {
	loaded, err := o.store.LoadPlaylistByName(name)
	if err != nil {
		return "", err
	}
	if err := o.store.DeletePlaylist(loaded.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("🗑️ Deleted playlist %q", name), nil
}

func (o *Orchestrator) cmdCache(cmd Command) (string, error) {
	sub := "status"
	if len(cmd.Args) > 0 {
		sub = cmd.Args[0]
	}
	switch sub {
	case "status":
		stats, err := o.cache.Stats()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("💾 Cache: %d files, %s of %s (%.1f%%), avg %.1f plays per file",
			stats.Files, humanize.IBytes(uint64(stats.Bytes)), humanize.IBytes(uint64(stats.MaxBytes)),
			stats.UsagePercent, stats.AvgAccessCount), nil
	case "clear":
		if err := o.cache.Clear(); err != nil {
			return "", err
		}
		return "💾 Cache cleared.", nil
	case "cleanup":
		files, rows, err := o.cache.CleanupOrphans()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("💾 Cleanup removed %d orphaned files and %d stale entries.", files, rows), nil
	default:
		return "Usage: cache [status|clear|cleanup]", nil
	}
}

func (o *Orchestrator) cmdSources(Command) (string, error) {
	infos := o.sources.Enabled()
	if len(infos) == 0 {
		return "No sources enabled.", nil
	}
	var b strings.Builder
	b.WriteString("🎼 Sources:\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "• %s %s\n", info.Name, info.Version)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func trackLine(track domain.Track) string {
	line := track.Title
	if track.Artist != "" && track.Artist != "unknown" {
		line += " - " + track.Artist
	}
	if track.Duration > 0 {
		line += " [" + formatDuration(track.Duration) + "]"
	}
	if track.Source != "" {
		line += " (" + track.Source + ")"
	}
	return line
}

func formatDuration(seconds int) string {
	if seconds >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}
