package tasks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"filmarchive/internal/config"
	"filmarchive/internal/fsutil"
	"filmarchive/internal/library"
)

// SourceFile is one photo inside a source batch, after JPEG/TIFF dedup.
type SourceFile struct {
	Base          string
	SanitizedBase string
	Path          string
}

// SourceBatch is one batch directory under a source mirror.
type SourceBatch struct {
	FilmType      string
	Name          string
	SanitizedName string
	Dir           string
	Files         []SourceFile
}

// SourceScanner walks the configured source mirrors.
type SourceScanner struct {
	sources         []config.Source
	followPlainDirs bool
	logger          *slog.Logger
}

// NewSourceScanner creates a scanner over lib.Sources.
func NewSourceScanner(lib config.Library, logger *slog.Logger) *SourceScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceScanner{sources: lib.Sources, followPlainDirs: lib.FollowPlainDirs, logger: logger}
}

// Scan returns every batch of every source, sorted by film type then name.
// A missing source directory is logged and skipped.
func (s *SourceScanner) Scan(ctx context.Context) ([]SourceBatch, error) {
	var batches []SourceBatch
	for _, src := range s.sources {
		entries, err := os.ReadDir(src.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("source directory not found", "film_type", src.FilmType, "path", src.Path)
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if fsutil.IsIgnoredName(e.Name()) {
				continue
			}
			dir := filepath.Join(src.Path, e.Name())
			if !s.isBatch(e, dir) {
				continue
			}
			files, err := collectSourceFiles(dir)
			if err != nil {
				s.logger.Warn("batch unreadable", "batch", e.Name(), "error", err)
				continue
			}
			batches = append(batches, SourceBatch{
				FilmType:      src.FilmType,
				Name:          e.Name(),
				SanitizedName: library.Sanitize(e.Name()),
				Dir:           dir,
				Files:         files,
			})
		}
	}
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].FilmType != batches[j].FilmType {
			return batches[i].FilmType < batches[j].FilmType
		}
		return batches[i].Name < batches[j].Name
	})
	return batches, nil
}

func (s *SourceScanner) isBatch(e os.DirEntry, path string) bool {
	if e.Type()&os.ModeSymlink != 0 {
		info, err := os.Stat(path)
		return err == nil && info.IsDir()
	}
	return s.followPlainDirs && e.IsDir()
}

// collectSourceFiles gathers images at depth 0 and 1 and groups them by
// basename, preferring JPEG over TIFF.
func collectSourceFiles(dir string) ([]SourceFile, error) {
	byBase := make(map[string]string)
	var walk func(d string, depth int) error
	walk = func(d string, depth int) error {
		entries, err := os.ReadDir(d)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if fsutil.IsIgnoredName(name) {
				continue
			}
			p := filepath.Join(d, name)
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if depth < 1 {
					if err := walk(p, depth+1); err != nil {
						return err
					}
				}
				continue
			}
			if !fsutil.IsSourceImage(name) {
				continue
			}
			base := fsutil.TrimExt(name)
			existing, ok := byBase[base]
			if !ok || (fsutil.IsJPEG(name) && fsutil.IsTIFF(existing)) {
				byBase[base] = p
			}
		}
		return nil
	}
	if err := walk(dir, 0); err != nil {
		return nil, err
	}

	files := make([]SourceFile, 0, len(byBase))
	for base, p := range byBase {
		files = append(files, SourceFile{Base: base, SanitizedBase: library.Sanitize(base), Path: p})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// ScannedImage is a library photo with both variants present.
type ScannedImage struct {
	library.Location
	ThumbnailPath string
	HighresPath   string
}

// LibraryScanner walks root/{film_type}/{batch}/{image}.
type LibraryScanner struct {
	root      string
	filmTypes []string
	thumb     string
	highres   string
	logger    *slog.Logger
}

// NewLibraryScanner creates a scanner for cfg.Library.Root using the
// configured variant names.
func NewLibraryScanner(cfg *config.Config, logger *slog.Logger) *LibraryScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LibraryScanner{
		root:      cfg.Library.Root,
		filmTypes: cfg.Library.FilmTypes,
		thumb:     cfg.Processing.Thumbnail().Name,
		highres:   cfg.Processing.HighRes().Name,
		logger:    logger,
	}
}

// Scan returns complete images sorted by image id. Images missing a variant
// are skipped.
func (s *LibraryScanner) Scan(ctx context.Context) ([]ScannedImage, error) {
	var out []ScannedImage
	for _, ft := range s.filmTypes {
		ftDir := filepath.Join(s.root, ft)
		batches, err := os.ReadDir(ftDir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, b := range batches {
			if !b.IsDir() || fsutil.IsIgnoredName(b.Name()) {
				continue
			}
			images, err := os.ReadDir(filepath.Join(ftDir, b.Name()))
			if err != nil {
				s.logger.Warn("batch unreadable", "batch", b.Name(), "error", err)
				continue
			}
			for _, img := range images {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if !img.IsDir() {
					continue
				}
				thumb := library.VariantPath(s.root, ft, b.Name(), img.Name(), s.thumb)
				high := library.VariantPath(s.root, ft, b.Name(), img.Name(), s.highres)
				if !fsutil.Exists(thumb) || !fsutil.Exists(high) {
					continue
				}
				loc, err := library.Parse(s.root, high, s.filmTypes)
				if err != nil {
					s.logger.Warn("unparseable library path", "path", high, "error", err)
					continue
				}
				out = append(out, ScannedImage{Location: loc, ThumbnailPath: thumb, HighresPath: high})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImageID < out[j].ImageID })
	return out, nil
}
