package domain

import "errors"

// Error kinds shared across packages. Components wrap these with context via
// fmt.Errorf("...: %w", err) so callers can branch with errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnsupported = errors.New("unsupported operation")

	ErrNetwork    = errors.New("network error")
	ErrDownload   = errors.New("download failed")
	ErrExtractor  = errors.New("extractor failed")
	ErrCache      = errors.New("cache error")
	ErrStore      = errors.New("store error")
	ErrSource     = errors.New("source error")
	ErrPlayback   = errors.New("playback error")
	ErrProtocol   = errors.New("malformed playlist document")
	ErrPermission = errors.New("voice permission denied")
)
