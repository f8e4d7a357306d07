package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"filmarchive/internal/config"
	"filmarchive/internal/storage"
)

// ExportRecord is one entry of an exported scan (image_data.json).
type ExportRecord struct {
	ImageID       string          `json:"image_id"`
	FilmType      string          `json:"film_type"`
	BatchInfo     string          `json:"batch_info"`
	FilenameBase  string          `json:"filename_base"`
	FilmStock     string          `json:"film_stock"`
	ThumbnailPath string          `json:"thumbnail_path"`
	HighresPath   string          `json:"highres_path"`
	Description   string          `json:"description,omitempty"`
	CameraMake    string          `json:"camera_make"`
	CameraModel   string          `json:"camera_model"`
	LensModel     string          `json:"lens_model"`
	FocalLength   string          `json:"focal_length"`
	Aperture      string          `json:"aperture"`
	ShutterSpeed  string          `json:"shutter_speed"`
	ISO           string          `json:"iso"`
	DateTaken     *string         `json:"date_taken"`
	ExifData      json.RawMessage `json:"exif_data"`
}

func exportRecord(img storage.Image) ExportRecord {
	return ExportRecord{
		ImageID:       img.ImageID,
		FilmType:      img.FilmType,
		BatchInfo:     img.BatchInfo,
		FilenameBase:  img.FilenameBase,
		FilmStock:     img.FilmStock,
		ThumbnailPath: img.ThumbnailPath,
		HighresPath:   img.HighresPath,
		Description:   img.Description,
		CameraMake:    img.CameraMake,
		CameraModel:   img.CameraModel,
		LensModel:     img.LensModel,
		FocalLength:   img.FocalLength,
		Aperture:      img.Aperture,
		ShutterSpeed:  img.ShutterSpeed,
		ISO:           img.ISO,
		DateTaken:     img.DateTaken,
		ExifData:      img.ExifData,
	}
}

func (r ExportRecord) image() storage.Image {
	exif := r.ExifData
	if string(exif) == "null" {
		exif = nil
	}
	return storage.Image{
		ImageID:       r.ImageID,
		FilmType:      r.FilmType,
		BatchInfo:     r.BatchInfo,
		FilenameBase:  r.FilenameBase,
		FilmStock:     r.FilmStock,
		ThumbnailPath: r.ThumbnailPath,
		HighresPath:   r.HighresPath,
		Description:   r.Description,
		CameraMake:    r.CameraMake,
		CameraModel:   r.CameraModel,
		LensModel:     r.LensModel,
		FocalLength:   r.FocalLength,
		Aperture:      r.Aperture,
		ShutterSpeed:  r.ShutterSpeed,
		ISO:           r.ISO,
		DateTaken:     r.DateTaken,
		ExifData:      exif,
	}
}

// EncodeExport renders records in the export format.
func EncodeExport(records []storage.Image) ([]byte, error) {
	out := make([]ExportRecord, 0, len(records))
	for _, img := range records {
		out = append(out, exportRecord(img))
	}
	return json.MarshalIndent(out, "", "  ")
}

// WriteExport writes records to path through a temp file in the same
// directory.
func WriteExport(path string, records []storage.Image) error {
	data, err := EncodeExport(records)
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// ReadExport loads an exported scan.
func ReadExport(path string) ([]storage.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []ExportRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	images := make([]storage.Image, 0, len(records))
	for _, r := range records {
		images = append(images, r.image())
	}
	return images, nil
}

// ImportStats counts an import.
type ImportStats struct {
	Read     int `json:"read"`
	Inserted int `json:"inserted"`
	Existing int `json:"existing"`
	Errors   int `json:"errors"`
}

// Map flattens the counters for run records.
func (s ImportStats) Map() map[string]any {
	return map[string]any{"read": s.Read, "inserted": s.Inserted, "existing": s.Existing, "errors": s.Errors}
}

// Importer loads exported scans, inserting rows that do not exist yet.
type Importer struct {
	store      *storage.Store
	reconciler *Reconciler
	log        *slog.Logger
}

// NewImporter creates an Importer; paths are translated like a sync.
func NewImporter(store *storage.Store, lib config.Library, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, reconciler: NewReconciler(store, lib, logger), log: logger}
}

// Run imports path. Existing rows are left untouched.
func (im *Importer) Run(ctx context.Context, path string) (ImportStats, error) {
	var st ImportStats
	records, err := ReadExport(path)
	if err != nil {
		return st, err
	}
	st.Read = len(records)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if rec.ImageID == "" {
			st.Errors++
			im.log.Warn("record without image_id skipped")
			continue
		}
		inserted, err := im.store.InsertIfMissing(ctx, im.reconciler.Translate(rec))
		if err != nil {
			st.Errors++
			im.log.Error("insert failed", "image_id", rec.ImageID, "error", err)
			continue
		}
		if inserted {
			st.Inserted++
		} else {
			st.Existing++
		}
	}
	im.log.Info("import complete", "read", st.Read, "inserted", st.Inserted, "existing", st.Existing, "errors", st.Errors)
	return st, nil
}
