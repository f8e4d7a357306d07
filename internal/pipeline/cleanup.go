package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filmarchive/internal/config"
	"filmarchive/internal/fsutil"
	"filmarchive/internal/library"
	"filmarchive/internal/storage"
)

// SanitizeOptions controls the sanitize cleanup.
type SanitizeOptions struct {
	// RemoveDirs deletes generated batch directories whose names change
	// under library.Sanitize.
	RemoveDirs bool
}

// SanitizeStats counts sanitize cleanup work.
type SanitizeStats struct {
	Checked     int `json:"checked"`
	Renamed     int `json:"renamed"`
	Merged      int `json:"merged"`
	Errors      int `json:"errors"`
	DirsRemoved int `json:"dirs_removed"`
}

// Map flattens the counters for run records.
func (s SanitizeStats) Map() map[string]any {
	return map[string]any{
		"checked":      s.Checked,
		"renamed":      s.Renamed,
		"merged":       s.Merged,
		"errors":       s.Errors,
		"dirs_removed": s.DirsRemoved,
	}
}

// Sanitizer collapses rows created before names were sanitized onto their
// sanitized identity.
type Sanitizer struct {
	store     *storage.Store
	root      string
	filmTypes []string
	log       *slog.Logger
}

// NewSanitizer creates a Sanitizer over cfg.Library.
func NewSanitizer(store *storage.Store, cfg *config.Config, logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{store: store, root: cfg.Library.Root, filmTypes: cfg.Library.FilmTypes, log: logger}
}

// Plan lists the rows whose image_id changes under sanitization.
func (s *Sanitizer) Plan(ctx context.Context) ([]storage.SanitizedRow, int, error) {
	images, err := s.store.AllImages(ctx)
	if err != nil {
		return nil, 0, err
	}
	var rows []storage.SanitizedRow
	for _, img := range images {
		row, ok := sanitizedRow(img)
		if ok {
			rows = append(rows, row)
		}
	}
	return rows, len(images), nil
}

func sanitizedRow(img storage.Image) (storage.SanitizedRow, bool) {
	id := library.SanitizeImageID(img.ImageID)
	if id == img.ImageID {
		return storage.SanitizedRow{}, false
	}
	batch := library.Sanitize(img.BatchInfo)
	base := library.Sanitize(img.FilenameBase)
	return storage.SanitizedRow{
		OldImageID:    img.ImageID,
		ImageID:       id,
		BatchInfo:     batch,
		FilenameBase:  base,
		ThumbnailPath: sanitizeVariantPath(img.ThumbnailPath, img.BatchInfo, batch, img.FilenameBase, base),
		HighresPath:   sanitizeVariantPath(img.HighresPath, img.BatchInfo, batch, img.FilenameBase, base),
	}, true
}

// sanitizeVariantPath rewrites the batch and base components of
// .../{batch}/{base}/{variant}/{base}.jpg. The prefix is left alone.
func sanitizeVariantPath(p, oldBatch, newBatch, oldBase, newBase string) string {
	parts := strings.Split(p, "/")
	if len(parts) < 4 {
		return p
	}
	for i := len(parts) - 4; i < len(parts); i++ {
		switch parts[i] {
		case oldBatch:
			parts[i] = newBatch
		case oldBase:
			parts[i] = newBase
		case oldBase + ".jpg":
			parts[i] = newBase + ".jpg"
		}
	}
	return strings.Join(parts, "/")
}

// Run applies the plan, one transaction per row. Running it again finds
// nothing to do.
func (s *Sanitizer) Run(ctx context.Context, opts SanitizeOptions) (SanitizeStats, error) {
	var st SanitizeStats
	rows, checked, err := s.Plan(ctx)
	if err != nil {
		return st, fmt.Errorf("list images: %w", err)
	}
	st.Checked = checked
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		outcome, err := s.store.SanitizeImage(ctx, row)
		if err != nil {
			st.Errors++
			s.log.Error("sanitize failed", "image_id", row.OldImageID, "error", err)
			continue
		}
		switch outcome {
		case storage.Merged:
			st.Merged++
			s.log.Info("duplicate removed", "image_id", row.OldImageID, "kept", row.ImageID)
		case storage.Renamed:
			st.Renamed++
			s.log.Info("image renamed", "from", row.OldImageID, "to", row.ImageID)
		}
	}

	if opts.RemoveDirs {
		for _, dir := range s.StaleDirs() {
			if err := os.RemoveAll(dir); err != nil {
				st.Errors++
				s.log.Error("cannot remove directory", "path", dir, "error", err)
				continue
			}
			st.DirsRemoved++
			s.log.Info("directory removed", "path", dir)
		}
	}
	return st, nil
}

// StaleDirs lists generated batch directories whose names change under
// sanitization. They are removed whether or not the sanitized copy exists,
// since the sources can regenerate them.
func (s *Sanitizer) StaleDirs() []string {
	var out []string
	for _, ft := range s.filmTypes {
		entries, err := os.ReadDir(filepath.Join(s.root, ft))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("cannot read film type directory", "film_type", ft, "error", err)
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || fsutil.IsIgnoredName(e.Name()) {
				continue
			}
			if library.Sanitize(e.Name()) != e.Name() {
				out = append(out, filepath.Join(s.root, ft, e.Name()))
			}
		}
	}
	return out
}

// ForkStats counts resource-fork cleanup work.
type ForkStats struct {
	Found   int `json:"found"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// Map flattens the counters for run records.
func (s ForkStats) Map() map[string]any {
	return map[string]any{"found": s.Found, "deleted": s.Deleted, "errors": s.Errors}
}

// ForkCleaner removes rows that were imported from AppleDouble "._" files.
type ForkCleaner struct {
	store *storage.Store
	log   *slog.Logger
}

// NewForkCleaner creates a ForkCleaner.
func NewForkCleaner(store *storage.Store, logger *slog.Logger) *ForkCleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForkCleaner{store: store, log: logger}
}

// IsForkID reports whether any segment of an image id is a resource fork name.
func IsForkID(id string) bool {
	for _, seg := range strings.Split(id, "/") {
		if fsutil.IsResourceFork(seg) {
			return true
		}
	}
	return false
}

// Find returns the image ids to delete.
func (c *ForkCleaner) Find(ctx context.Context) ([]string, error) {
	images, err := c.store.AllImages(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, img := range images {
		if IsForkID(img.ImageID) {
			ids = append(ids, img.ImageID)
		}
	}
	return ids, nil
}

// Run deletes every fork row, each in its own transaction.
func (c *ForkCleaner) Run(ctx context.Context) (ForkStats, error) {
	var st ForkStats
	ids, err := c.Find(ctx)
	if err != nil {
		return st, fmt.Errorf("list images: %w", err)
	}
	st.Found = len(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if err := c.store.DeleteImage(ctx, id); err != nil {
			st.Errors++
			c.log.Error("delete failed", "image_id", id, "error", err)
			continue
		}
		st.Deleted++
	}
	c.log.Info("resource fork rows removed", "found", st.Found, "deleted", st.Deleted, "errors", st.Errors)
	return st, nil
}
