package pipeline

import (
	"context"
	"log/slog"

	"filmarchive/internal/config"
	"filmarchive/internal/library"
	"filmarchive/internal/storage"
)

// ReconcileStats counts upsert outcomes.
type ReconcileStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// Reconciler writes scanned records into the database, one transaction per
// image.
type Reconciler struct {
	store *storage.Store
	from  string
	to    string
	log   *slog.Logger
}

// NewReconciler translates paths from lib.ScannerPrefix to lib.DatabasePrefix.
func NewReconciler(store *storage.Store, lib config.Library, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, from: lib.ScannerPrefix, to: lib.DatabasePrefix, log: logger}
}

// Translate rewrites both variant paths to their database-side form.
func (r *Reconciler) Translate(img storage.Image) storage.Image {
	img.ThumbnailPath = library.TranslatePrefix(img.ThumbnailPath, r.from, r.to)
	img.HighresPath = library.TranslatePrefix(img.HighresPath, r.from, r.to)
	return img
}

// Reconcile upserts every record. A failing record is rolled back alone and
// counted; cancellation stops between records.
func (r *Reconciler) Reconcile(ctx context.Context, records []storage.Image) (ReconcileStats, error) {
	var st ReconcileStats
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		outcome, err := r.store.UpsertImage(ctx, r.Translate(rec))
		if err != nil {
			st.Errors++
			r.log.Error("upsert failed", "image_id", rec.ImageID, "error", err)
			continue
		}
		switch outcome {
		case storage.Inserted:
			st.Inserted++
		case storage.Updated:
			st.Updated++
		default:
			st.Unchanged++
		}
	}
	r.log.Info("database reconciled",
		"inserted", st.Inserted, "updated", st.Updated, "unchanged", st.Unchanged, "errors", st.Errors)
	return st, nil
}
