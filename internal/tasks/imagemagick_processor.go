package tasks

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"filmarchive/internal/fsutil"
)

// MagickTranscoder resizes with the ImageMagick CLI. With exiftool it copies
// every tag from the source onto the staged file before the rename.
type MagickTranscoder struct {
	tools        *ToolManager
	withExiftool bool
	run          commandRunner
}

// NewMagickTranscoder returns the "magick-exiftool" or "magick" strategy.
func NewMagickTranscoder(tools *ToolManager, withExiftool bool) *MagickTranscoder {
	return &MagickTranscoder{tools: tools, withExiftool: withExiftool, run: execRunner}
}

func (p *MagickTranscoder) Name() string {
	if p.withExiftool {
		return "magick-exiftool"
	}
	return "magick"
}

func (p *MagickTranscoder) IsAvailable() bool {
	if p.tools.ImageMagick() == "" {
		return false
	}
	return !p.withExiftool || p.tools.Available("exiftool")
}

// magickArgs builds the resize command line for bin ("magick" or "convert").
// Only the first frame of multi-page TIFFs is used.
func magickArgs(bin string, req TranscodeRequest, output string) []string {
	args := []string{req.Source + "[0]"}
	if bin == "magick" {
		args = append(args, "-quiet")
	}
	quality := req.Quality
	if quality <= 0 {
		quality = 85
	}
	return append(args,
		"-auto-orient",
		"-resize", req.Bound,
		"-quality", strconv.Itoa(quality),
		output,
	)
}

func (p *MagickTranscoder) Transcode(ctx context.Context, req TranscodeRequest) error {
	bin := p.tools.ImageMagick()
	if bin == "" {
		return fmt.Errorf("imagemagick not found")
	}
	if !fsutil.Exists(req.Source) {
		return fmt.Errorf("input file does not exist: %s", req.Source)
	}

	if err := req.clearTemp(); err != nil {
		return err
	}
	tmp := req.TempPath()
	stderr, err := p.run(ctx, bin, magickArgs(bin, req, tmp)...)
	// ImageMagick exits non-zero on harmless TIFF tag warnings; the staged
	// file decides success.
	if !fsutil.Exists(tmp) {
		if warn := firstWarning(stderr); warn != "" {
			return fmt.Errorf("resize failed: %s", warn)
		}
		if err != nil {
			return fmt.Errorf("resize failed: %w", err)
		}
		return fmt.Errorf("resize produced no output")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.withExiftool {
		// Metadata copy failures leave a usable image without tags.
		_, _ = p.run(ctx, "exiftool", "-TagsFromFile", req.Source, "-all:all", "-overwrite_original", tmp)
	}
	if err := os.Rename(tmp, req.Target); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	return nil
}
