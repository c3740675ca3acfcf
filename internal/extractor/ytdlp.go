package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"botplayer/internal/domain"
	"botplayer/internal/domain/ports"
)

const (
	defaultBinary  = "yt-dlp"
	defaultFormat  = "opus"
	defaultTimeout = 5 * time.Minute
	probeTimeout   = 30 * time.Second
)

var audioExtensions = []string{".mp3", ".m4a", ".opus", ".ogg", ".wav", ".flac"}

// Runner drives the external yt-dlp process. It is treated as opaque: the
// output template interpolates a caller-chosen temp id and yt-dlp supplies
// the extension, so the produced file is located by globbing afterwards.
type Runner struct {
	binary      string
	audioFormat string
}

func New(binary, audioFormat string) *Runner {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = defaultBinary
	}
	format := strings.TrimSpace(audioFormat)
	if format == "" {
		format = defaultFormat
	}
	return &Runner{binary: bin, audioFormat: format}
}

// Extract downloads url into a file matching outTemplate and returns its
// final path. The template must contain the yt-dlp `%(ext)s` placeholder.
func (r *Runner) Extract(ctx context.Context, url, outTemplate string, timeout time.Duration, retries int) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", errors.New("url is required")
	}
	if !strings.Contains(outTemplate, "%(ext)s") {
		return "", fmt.Errorf("output template %q lacks %%(ext)s placeholder", outTemplate)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retries < 0 {
		retries = 0
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--no-playlist",
		"--no-progress",
		"--extract-audio",
		"--audio-format", r.audioFormat,
		"--audio-quality", "0",
		"--retries", strconv.Itoa(retries),
		"-o", outTemplate,
		url,
	}
	cmd := exec.CommandContext(runCtx, r.binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return "", fmt.Errorf("%w: %s", domain.ErrExtractor, runCtx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%w: %s", domain.ErrExtractor, err)
		}
		return "", fmt.Errorf("%w: %s: %s", domain.ErrExtractor, err, msg)
	}

	path, err := FindOutput(outTemplate)
	if err != nil {
		return "", err
	}
	return path, nil
}

// Probe fetches metadata without downloading media bytes.
func (r *Runner) Probe(ctx context.Context, url string) (ports.ProbeInfo, error) {
	if strings.TrimSpace(url) == "" {
		return ports.ProbeInfo{}, errors.New("url is required")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.binary,
		"--dump-json",
		"--no-playlist",
		"--skip-download",
		url,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return ports.ProbeInfo{}, fmt.Errorf("%w: probe: %s", domain.ErrExtractor, err)
		}
		return ports.ProbeInfo{}, fmt.Errorf("%w: probe: %s: %s", domain.ErrExtractor, err, msg)
	}

	info, err := parseProbeJSON(stdout.Bytes())
	if err != nil {
		return ports.ProbeInfo{}, fmt.Errorf("%w: probe parse: %s", domain.ErrExtractor, err)
	}
	return info, nil
}

type probePayload struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

func parseProbeJSON(data []byte) (ports.ProbeInfo, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return ports.ProbeInfo{}, err
	}
	return ports.ProbeInfo{
		Title:    strings.TrimSpace(payload.Title),
		Duration: time.Duration(payload.Duration * float64(time.Second)),
	}, nil
}

// FindOutput resolves the file yt-dlp produced for the given template by
// substituting the extension placeholder with each known audio extension.
func FindOutput(outTemplate string) (string, error) {
	pattern := strings.Replace(outTemplate, "%(ext)s", "*", 1)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("%w: bad output template %q", domain.ErrExtractor, outTemplate)
	}
	for _, match := range matches {
		ext := strings.ToLower(filepath.Ext(match))
		for _, allowed := range audioExtensions {
			if ext == allowed {
				return match, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no audio output for template %q", domain.ErrExtractor, outTemplate)
}
