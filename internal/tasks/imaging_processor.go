package tasks

import (
	"context"
	"fmt"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/tiff"
)

// ImagingTranscoder is the pure-Go last resort. It honours EXIF orientation
// but writes no metadata.
type ImagingTranscoder struct{}

func (ImagingTranscoder) Name() string      { return "imaging" }
func (ImagingTranscoder) IsAvailable() bool { return true }

func (ImagingTranscoder) Transcode(ctx context.Context, req TranscodeRequest) error {
	width, height, err := ParseBound(req.Bound)
	if err != nil {
		return err
	}
	if err := req.clearTemp(); err != nil {
		return err
	}
	img, err := imaging.Open(req.Source, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := img.Bounds()
	if b.Dx() > width || b.Dy() > height {
		img = imaging.Fit(img, width, height, imaging.Lanczos)
	}

	quality := req.Quality
	if quality <= 0 {
		quality = 85
	}
	tmp := req.TempPath()
	if err := imaging.Save(img, tmp, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := os.Rename(tmp, req.Target); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	return nil
}
