package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"filmarchive/internal/config"
	"filmarchive/internal/fsutil"
)

// ErrNoTranscoder is returned when no registered strategy is available.
var ErrNoTranscoder = errors.New("no transcoder available")

// Transcoder resizes one source scan into a JPEG variant.
type Transcoder interface {
	Name() string
	IsAvailable() bool
	Transcode(ctx context.Context, req TranscodeRequest) error
}

// TranscodeRequest contains conversion inputs.
type TranscodeRequest struct {
	Source  string
	Target  string
	Bound   string // "WxH>" shrinks to fit, never enlarges
	Quality int
}

// TempPath is where strategies stage output before renaming onto Target.
func (r TranscodeRequest) TempPath() string {
	return r.Target + ".tmp.jpg"
}

// clearTemp removes a staged file left by an earlier attempt, so a strategy
// only ever promotes output it wrote itself.
func (r TranscodeRequest) clearTemp() error {
	if err := os.Remove(r.TempPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale temp: %w", err)
	}
	return nil
}

// TranscoderPriority is the probe order when no transcoder is configured.
var TranscoderPriority = []string{"magick-exiftool", "magick", "imagick", "imaging"}

// TranscoderManager selects a strategy and applies the fallback policy.
type TranscoderManager struct {
	transcoders map[string]Transcoder
	preferred   string
	logger      *slog.Logger
}

// extraTranscoders is filled by build-tagged files.
var extraTranscoders []func(tools *ToolManager) Transcoder

// NewTranscoderManager registers every compiled-in strategy.
func NewTranscoderManager(cfg config.Processing, tools *ToolManager, logger *slog.Logger) *TranscoderManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &TranscoderManager{
		transcoders: make(map[string]Transcoder),
		preferred:   cfg.Transcoder,
		logger:      logger,
	}
	m.Register(NewMagickTranscoder(tools, true))
	m.Register(NewMagickTranscoder(tools, false))
	for _, mk := range extraTranscoders {
		m.Register(mk(tools))
	}
	m.Register(ImagingTranscoder{})
	return m
}

// Register adds a transcoder by its Name(), replacing any previous one.
func (m *TranscoderManager) Register(t Transcoder) {
	if t == nil {
		return
	}
	m.transcoders[t.Name()] = t
}

// Get returns a registered transcoder by name.
func (m *TranscoderManager) Get(name string) Transcoder {
	return m.transcoders[name]
}

// Best returns the configured transcoder when available, else the first
// available one in priority order.
func (m *TranscoderManager) Best() (Transcoder, error) {
	if m == nil {
		return nil, ErrNoTranscoder
	}
	if m.preferred != "" && m.preferred != "auto" {
		if t, ok := m.transcoders[m.preferred]; ok && t.IsAvailable() {
			return t, nil
		}
		m.logger.Warn("configured transcoder unavailable, probing", "transcoder", m.preferred)
	}
	for _, name := range TranscoderPriority {
		if t, ok := m.transcoders[name]; ok && t.IsAvailable() {
			return t, nil
		}
	}
	return nil, ErrNoTranscoder
}

// Available lists available transcoders in priority order.
func (m *TranscoderManager) Available() []string {
	var out []string
	for _, name := range TranscoderPriority {
		if t, ok := m.transcoders[name]; ok && t.IsAvailable() {
			out = append(out, name)
		}
	}
	return out
}

// Produce transcodes req.Source into req.Target. A failing TIFF source is
// retried from a sibling JPEG with the same basename. It returns the source
// that actually produced the target. Staged temp files are removed either way.
func (m *TranscoderManager) Produce(ctx context.Context, req TranscodeRequest) (string, error) {
	t, err := m.Best()
	if err != nil {
		return "", err
	}
	defer m.cleanup(req.Target)

	err = m.attempt(ctx, t, req)
	if err == nil {
		return req.Source, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if !fsutil.IsTIFF(req.Source) {
		return "", err
	}
	alt := fsutil.SiblingJPEG(req.Source)
	if alt == "" {
		return "", err
	}
	m.logger.Warn("tiff transcode failed, retrying from jpeg sibling",
		"source", req.Source, "fallback", alt, "transcoder", t.Name(), "error", err)
	retry := req
	retry.Source = alt
	if err2 := m.attempt(ctx, t, retry); err2 != nil {
		return "", fmt.Errorf("%w; fallback %s: %v", err, alt, err2)
	}
	return alt, nil
}

func (m *TranscoderManager) attempt(ctx context.Context, t Transcoder, req TranscodeRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.Target), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := t.Transcode(ctx, req); err != nil {
		return fmt.Errorf("%s %s: %w", t.Name(), req.Source, err)
	}
	if !fsutil.Exists(req.Target) {
		return fmt.Errorf("%s %s: completed but %s not found", t.Name(), req.Source, req.Target)
	}
	return nil
}

func (m *TranscoderManager) cleanup(target string) {
	n, err := fsutil.RemoveMatching(filepath.Dir(target), filepath.Base(target)+".tmp", ".jpg")
	if err != nil {
		m.logger.Warn("temp cleanup failed", "target", target, "error", err)
		return
	}
	if n > 0 {
		m.logger.Debug("removed temp files", "target", target, "count", n)
	}
}

// ParseBound reads "WxH" or "WxH>" into pixel dimensions.
func ParseBound(bound string) (int, int, error) {
	b := strings.TrimSuffix(bound, ">")
	w, h, ok := strings.Cut(b, "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid bound %q", bound)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid bound width %q", bound)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid bound height %q", bound)
	}
	return width, height, nil
}

// FitWithin scales w x h down to fit maxW x maxH keeping the aspect ratio.
// shrink is false when the image already fits.
func FitWithin(w, h, maxW, maxH int) (int, int, bool) {
	if w <= maxW && h <= maxH || w <= 0 || h <= 0 {
		return w, h, false
	}
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	return max(nw, 1), max(nh, 1), true
}
