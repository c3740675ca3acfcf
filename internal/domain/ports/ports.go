package ports

import (
	"context"
	"time"
)

type GuildID string

// VoiceTransport is the chat platform's voice layer. PlayFile returns a
// channel that fires exactly once when playback of the file finishes; the
// send happens on a transport-owned goroutine, so consumers must hop back to
// their own scheduler before touching player state.
type VoiceTransport interface {
	EnsureConnected(ctx context.Context, guild GuildID, channel, user string) error
	PlayFile(ctx context.Context, guild GuildID, path string, volume float64) (<-chan error, error)
	Pause(guild GuildID) error
	Resume(guild GuildID) error
	Stop(guild GuildID) error
	IsPlaying(guild GuildID) bool
	Disconnect(guild GuildID) error
}

// Extractor resolves a media URL to a decoded audio file on disk.
type Extractor interface {
	// Extract downloads url into a file matching outTemplate (the extractor
	// supplies the extension) and returns the final path.
	Extract(ctx context.Context, url, outTemplate string, timeout time.Duration, retries int) (string, error)
	// Probe fetches lightweight metadata without downloading media bytes.
	Probe(ctx context.Context, url string) (ProbeInfo, error)
}

type ProbeInfo struct {
	Title    string
	Duration time.Duration
}
