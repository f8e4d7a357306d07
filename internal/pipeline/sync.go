package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"filmarchive/internal/config"
	"filmarchive/internal/fsutil"
	"filmarchive/internal/index"
	"filmarchive/internal/library"
	"filmarchive/internal/logging"
	"filmarchive/internal/storage"
	"filmarchive/internal/tasks"
)

// VariantProducer turns one source scan into a variant. *tasks.TranscoderManager
// satisfies it.
type VariantProducer interface {
	Best() (tasks.Transcoder, error)
	Produce(ctx context.Context, req tasks.TranscodeRequest) (string, error)
}

// MetadataExtractor reads display metadata. *tasks.Extractor satisfies it.
type MetadataExtractor interface {
	Extract(ctx context.Context, path string) (*tasks.Metadata, error)
}

// SyncOptions select the optional phases of a sync run.
type SyncOptions struct {
	SkipProcessing bool
	ReloadMarked   bool
	ExportPath     string
	// RunID tags step log lines; it is not a run option.
	RunID string
}

func (o SyncOptions) asMap() map[string]any {
	return map[string]any{
		"skip_processing": o.SkipProcessing,
		"reload_marked":   o.ReloadMarked,
		"export":          o.ExportPath,
	}
}

// SyncStats counts the work done by one sync run.
type SyncStats struct {
	Batches       int            `json:"batches"`
	New           int            `json:"new"`
	Updated       int            `json:"updated"`
	Skipped       int            `json:"skipped"`
	Errors        int            `json:"errors"`
	Scanned       int            `json:"scanned"`
	NoExif        int            `json:"no_exif"`
	ExifErrors    int            `json:"exif_errors"`
	Reconcile     ReconcileStats `json:"reconcile"`
	Total         int            `json:"total"`
	WithExif      int            `json:"with_exif"`
	Marked        int            `json:"marked"`
	ReloadCleared int64          `json:"reload_cleared"`
}

// Map flattens the counters for run records and log lines.
func (s SyncStats) Map() map[string]any {
	return map[string]any{
		"batches":        s.Batches,
		"new":            s.New,
		"updated":        s.Updated,
		"skipped":        s.Skipped,
		"errors":         s.Errors,
		"scanned":        s.Scanned,
		"no_exif":        s.NoExif,
		"exif_errors":    s.ExifErrors,
		"inserted":       s.Reconcile.Inserted,
		"db_updated":     s.Reconcile.Updated,
		"unchanged":      s.Reconcile.Unchanged,
		"db_errors":      s.Reconcile.Errors,
		"total":          s.Total,
		"with_exif":      s.WithExif,
		"marked":         s.Marked,
		"reload_cleared": s.ReloadCleared,
	}
}

// BatchStats counts one source batch.
type BatchStats struct {
	New     int
	Updated int
	Skipped int
	Errors  int
}

type fileOutcome int

const (
	fileSkipped fileOutcome = iota
	fileNew
	fileUpdated
	fileFailed
)

// Syncer runs the unified update: transcode changed sources, scan the
// library, extract EXIF and reconcile into the database.
type Syncer struct {
	cfg        *config.Config
	store      *storage.Store
	producer   VariantProducer
	extractor  MetadataExtractor
	sources    *tasks.SourceScanner
	library    *tasks.LibraryScanner
	reconciler *Reconciler
	openIndex  func() (index.Store, error)
	log        *slog.Logger
}

// NewSyncer wires a Syncer for cfg.
func NewSyncer(cfg *config.Config, store *storage.Store, producer VariantProducer, extractor MetadataExtractor, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cfg:        cfg,
		store:      store,
		producer:   producer,
		extractor:  extractor,
		sources:    tasks.NewSourceScanner(cfg.Library, logger),
		library:    tasks.NewLibraryScanner(cfg, logger),
		reconciler: NewReconciler(store, cfg.Library, logger),
		openIndex: func() (index.Store, error) {
			return index.Open(cfg.Index.Backend, cfg.Index.Path)
		},
		log: logger,
	}
}

// Run performs one sync. Per-item failures are counted in the stats; the
// returned error is reserved for failures that abort the run.
func (s *Syncer) Run(ctx context.Context, opts SyncOptions) (SyncStats, error) {
	var st SyncStats
	step := func(name, status string, details map[string]any) {
		logging.LogStep(s.log, opts.RunID, name, status, details)
	}

	forced := map[string]struct{}{}
	if opts.ReloadMarked {
		marked, err := s.store.MarkedForReload(ctx)
		if err != nil {
			step("reload", "failed", map[string]any{"error": err.Error()})
			return st, fmt.Errorf("load reload flags: %w", err)
		}
		for _, img := range marked {
			forced[img.ImageID] = struct{}{}
		}
		st.Marked = len(marked)
		s.log.Info("images marked for reload", "count", len(marked))
	}

	var reloaded []string
	if opts.SkipProcessing {
		step("process", "skipped", nil)
	} else {
		done, err := s.process(ctx, forced, &st)
		if err != nil {
			step("process", "failed", map[string]any{"error": err.Error()})
			return st, err
		}
		reloaded = done
		step("process", "completed", map[string]any{
			"batches": st.Batches, "new": st.New, "updated": st.Updated,
			"skipped": st.Skipped, "errors": st.Errors,
		})
	}

	records, err := s.scan(ctx, &st)
	if err != nil {
		step("scan", "failed", map[string]any{"error": err.Error()})
		return st, err
	}
	step("scan", "completed", map[string]any{
		"scanned": st.Scanned, "no_exif": st.NoExif, "exif_errors": st.ExifErrors,
	})

	if opts.ExportPath != "" {
		if err := WriteExport(opts.ExportPath, records); err != nil {
			step("export", "failed", map[string]any{"error": err.Error()})
			return st, err
		}
		s.log.Info("scan exported", "path", opts.ExportPath, "images", len(records))
		step("export", "completed", map[string]any{"path": opts.ExportPath, "images": len(records)})
	}

	st.Reconcile, err = s.reconciler.Reconcile(ctx, records)
	if err != nil {
		step("reconcile", "failed", map[string]any{"error": err.Error()})
		return st, err
	}
	step("reconcile", "completed", map[string]any{
		"inserted": st.Reconcile.Inserted, "updated": st.Reconcile.Updated,
		"unchanged": st.Reconcile.Unchanged, "errors": st.Reconcile.Errors,
	})

	summary, err := s.store.Stats(ctx)
	if err != nil {
		step("verify", "failed", map[string]any{"error": err.Error()})
		return st, fmt.Errorf("verify database: %w", err)
	}
	st.Total = summary.Total
	st.WithExif = summary.WithExif
	s.log.Info("database verified", "total", summary.Total, "with_exif", summary.WithExif)
	step("verify", "completed", map[string]any{"total": summary.Total, "with_exif": summary.WithExif})

	if opts.ReloadMarked {
		if opts.SkipProcessing {
			for _, rec := range records {
				if _, ok := forced[rec.ImageID]; ok {
					reloaded = append(reloaded, rec.ImageID)
				}
			}
		}
		// an empty id list would clear every flag
		if len(reloaded) > 0 {
			n, err := s.store.ClearReloadFlags(ctx, reloaded)
			if err != nil {
				step("reload", "failed", map[string]any{"error": err.Error()})
				return st, fmt.Errorf("clear reload flags: %w", err)
			}
			st.ReloadCleared = n
		}
		step("reload", "completed", map[string]any{"marked": st.Marked, "cleared": st.ReloadCleared})
	}
	return st, nil
}

// process regenerates variants for changed sources and returns the forced
// image ids that were reprocessed successfully.
func (s *Syncer) process(ctx context.Context, forced map[string]struct{}, st *SyncStats) ([]string, error) {
	if _, err := s.producer.Best(); err != nil {
		return nil, err
	}
	idx, err := s.openIndex()
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()
	s.log.Info("index loaded", "entries", idx.Len())

	batches, err := s.sources.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("source scan: %w", err)
	}

	var reloaded []string
	var runErr error
batches:
	for _, b := range batches {
		var bs BatchStats
		for _, f := range b.Files {
			if err := ctx.Err(); err != nil {
				runErr = err
				s.addBatch(st, b, bs)
				break batches
			}
			id := library.ImageID(b.FilmType, b.SanitizedName, f.SanitizedBase)
			_, force := forced[id]
			switch s.processFile(ctx, idx, b, f, force) {
			case fileSkipped:
				bs.Skipped++
			case fileNew:
				bs.New++
			case fileUpdated:
				bs.Updated++
			case fileFailed:
				bs.Errors++
				continue
			}
			if force {
				reloaded = append(reloaded, id)
			}
		}
		s.addBatch(st, b, bs)
	}

	if err := idx.Flush(); err != nil {
		return reloaded, fmt.Errorf("save index: %w", err)
	}
	s.log.Info("sources processed",
		"batches", st.Batches, "new", st.New, "updated", st.Updated,
		"skipped", st.Skipped, "errors", st.Errors)
	return reloaded, runErr
}

func (s *Syncer) addBatch(st *SyncStats, b tasks.SourceBatch, bs BatchStats) {
	st.Batches++
	st.New += bs.New
	st.Updated += bs.Updated
	st.Skipped += bs.Skipped
	st.Errors += bs.Errors
	s.log.Info("batch processed",
		"film_type", b.FilmType, "batch", b.Name,
		"new", bs.New, "updated", bs.Updated, "skipped", bs.Skipped, "errors", bs.Errors)
}

// processFile brings every variant of one source up to date. After a TIFF
// falls back to its JPEG sibling, later variants are produced from the JPEG
// too.
func (s *Syncer) processFile(ctx context.Context, idx index.Store, b tasks.SourceBatch, f tasks.SourceFile, force bool) fileOutcome {
	variants := s.cfg.Processing.Variants
	targets := make([]string, len(variants))
	existed := true
	for i, v := range variants {
		targets[i] = library.VariantPath(s.cfg.Library.Root, b.FilmType, b.SanitizedName, f.SanitizedBase, v.Name)
		if !fsutil.Exists(targets[i]) {
			existed = false
		}
	}

	source := f.Path
	produced := false
	for i, v := range variants {
		if !force && !index.NeedsUpdate(idx, source, targets[i]) {
			continue
		}
		used, err := s.producer.Produce(ctx, tasks.TranscodeRequest{
			Source:  source,
			Target:  targets[i],
			Bound:   v.Bound,
			Quality: s.cfg.Processing.Quality,
		})
		if err != nil {
			s.log.Warn("transcode failed", "source", source, "variant", v.Name, "error", err)
			return fileFailed
		}
		source = used
		produced = true
		if err := idx.Put(used, targets[i], index.Signature(used)); err != nil {
			s.log.Warn("cannot record signature", "source", used, "error", err)
		}
	}

	switch {
	case !produced:
		return fileSkipped
	case existed:
		return fileUpdated
	default:
		return fileNew
	}
}

// Scan walks the library and extracts metadata without touching the
// database. Paths are on the scanner side.
func (s *Syncer) Scan(ctx context.Context) ([]storage.Image, SyncStats, error) {
	var st SyncStats
	records, err := s.scan(ctx, &st)
	return records, st, err
}

func (s *Syncer) scan(ctx context.Context, st *SyncStats) ([]storage.Image, error) {
	scanned, err := s.library.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("library scan: %w", err)
	}
	st.Scanned = len(scanned)
	s.log.Info("library scanned", "images", len(scanned))
	return s.extract(ctx, scanned, st)
}

func (s *Syncer) extract(ctx context.Context, scanned []tasks.ScannedImage, st *SyncStats) ([]storage.Image, error) {
	records := make([]storage.Image, 0, len(scanned))
	for _, img := range scanned {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		meta, err := s.extractor.Extract(ctx, img.HighresPath)
		if err != nil {
			st.ExifErrors++
			s.log.Warn("exif extraction failed", "image_id", img.ImageID, "error", err)
		} else if meta == nil {
			st.NoExif++
		}
		rec, err := newRecord(img, meta)
		if err != nil {
			st.ExifErrors++
			s.log.Warn("exif encoding failed", "image_id", img.ImageID, "error", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// newRecord builds the run-owned fields of an image row. Paths are still on
// the scanner side.
func newRecord(img tasks.ScannedImage, meta *tasks.Metadata) (storage.Image, error) {
	rec := storage.Image{
		ImageID:       img.ImageID,
		FilmType:      img.FilmType,
		BatchInfo:     img.BatchInfo,
		FilenameBase:  img.FilenameBase,
		FilmStock:     img.FilmStock,
		ThumbnailPath: img.ThumbnailPath,
		HighresPath:   img.HighresPath,
	}
	if meta == nil {
		return rec, nil
	}
	rec.CameraMake = meta.CameraMake
	rec.CameraModel = meta.CameraModel
	rec.LensModel = meta.LensModel
	rec.FocalLength = meta.FocalLength
	rec.Aperture = meta.Aperture
	rec.ShutterSpeed = meta.ShutterSpeed
	rec.ISO = meta.ISO
	rec.DateTaken = meta.DateTaken
	raw, err := meta.ExifJSON()
	if err != nil {
		return rec, err
	}
	rec.ExifData = raw
	return rec, nil
}
