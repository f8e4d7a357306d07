//go:build imagick

package tasks

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/gographics/imagick.v3/imagick"
)

func init() {
	extraTranscoders = append(extraTranscoders, func(*ToolManager) Transcoder { return ImagickTranscoder{} })
}

// ImagickTranscoder runs MagickWand in-process. ImageMagick keeps the
// source profile and EXIF blocks on write, so no exiftool pass is needed.
type ImagickTranscoder struct{}

func (ImagickTranscoder) Name() string      { return "imagick" }
func (ImagickTranscoder) IsAvailable() bool { return true }

func (ImagickTranscoder) Transcode(ctx context.Context, req TranscodeRequest) error {
	if _, err := os.Stat(req.Source); err != nil {
		return fmt.Errorf("input file does not exist: %s", req.Source)
	}
	if err := req.clearTemp(); err != nil {
		return err
	}
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(req.Source + "[0]"); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return fmt.Errorf("auto-orient: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	maxW, maxH, err := ParseBound(req.Bound)
	if err != nil {
		return err
	}
	if w, h, shrink := FitWithin(int(mw.GetImageWidth()), int(mw.GetImageHeight()), maxW, maxH); shrink {
		if err := mw.ResizeImage(uint(w), uint(h), imagick.FILTER_LANCZOS); err != nil {
			return fmt.Errorf("resize: %w", err)
		}
	}

	quality := req.Quality
	if quality <= 0 {
		quality = 85
	}
	if err := mw.SetImageFormat("JPEG"); err != nil {
		return fmt.Errorf("set format: %w", err)
	}
	if err := mw.SetImageCompressionQuality(uint(quality)); err != nil {
		return fmt.Errorf("set quality: %w", err)
	}
	tmp := req.TempPath()
	if err := mw.WriteImage(tmp); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmp, req.Target); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	return nil
}
