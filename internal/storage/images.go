package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrImageNotFound is returned when no row carries the requested image_id.
var ErrImageNotFound = errors.New("image not found")

// Image is one row of the images table plus its tag names.
type Image struct {
	ID            int64           `json:"id"`
	ImageID       string          `json:"image_id"`
	FilmType      string          `json:"film_type"`
	BatchInfo     string          `json:"batch_info"`
	FilenameBase  string          `json:"filename_base"`
	FilmStock     string          `json:"film_stock"`
	ThumbnailPath string          `json:"thumbnail_path"`
	HighresPath   string          `json:"highres_path"`
	Description   string          `json:"description"`
	CameraMake    string          `json:"camera_make"`
	CameraModel   string          `json:"camera_model"`
	LensModel     string          `json:"lens_model"`
	FocalLength   string          `json:"focal_length"`
	Aperture      string          `json:"aperture"`
	ShutterSpeed  string          `json:"shutter_speed"`
	ISO           string          `json:"iso"`
	DateTaken     *string         `json:"date_taken"`
	ExifData      json.RawMessage `json:"exif_data"`
	NeedsReload   bool            `json:"needs_reload"`
	Tags          []string        `json:"tags"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// Outcome reports what UpsertImage did with a record.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// SanitizeOutcome reports what SanitizeImage did with a row.
type SanitizeOutcome int

const (
	Renamed SanitizeOutcome = iota + 1
	Merged
)

// Stats summarises the archive.
type Stats struct {
	Total       int `json:"total"`
	WithExif    int `json:"with_exif"`
	Tags        int `json:"tags"`
	NeedsReload int `json:"needs_reload"`
}

const imageColumns = `id, image_id, film_type, batch_info, filename_base, film_stock, thumbnail_path, highres_path,
    description, camera_make, camera_model, lens_model, focal_length, aperture, shutter_speed, iso,
    date_taken, exif_data, needs_reload, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(r rowScanner) (Image, error) {
	var img Image
	var dateTaken, exifData sql.NullString
	err := r.Scan(&img.ID, &img.ImageID, &img.FilmType, &img.BatchInfo, &img.FilenameBase, &img.FilmStock,
		&img.ThumbnailPath, &img.HighresPath, &img.Description, &img.CameraMake, &img.CameraModel,
		&img.LensModel, &img.FocalLength, &img.Aperture, &img.ShutterSpeed, &img.ISO,
		&dateTaken, &exifData, &img.NeedsReload, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return Image{}, err
	}
	if dateTaken.Valid {
		v := dateTaken.String
		img.DateTaken = &v
	}
	if exifData.Valid && exifData.String != "" {
		img.ExifData = json.RawMessage(exifData.String)
	}
	return img, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// GetImage returns one image with its tags.
func (s *Store) GetImage(ctx context.Context, imageID string) (*Image, error) {
	if s == nil {
		return nil, errNotInitialized
	}
	img, err := scanImage(s.DB.QueryRowContext(ctx, s.q(`SELECT `+imageColumns+` FROM images WHERE image_id = ?;`), imageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	if err != nil {
		return nil, err
	}
	tags, err := s.tagsFor(ctx, img.ID)
	if err != nil {
		return nil, err
	}
	img.Tags = tags
	return &img, nil
}

func (s *Store) tagsFor(ctx context.Context, pk int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT t.name FROM image_tags it JOIN tags t ON t.id = it.tag_id WHERE it.image_id = ? ORDER BY t.name;`), pk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// ListFilter narrows ListImages.
type ListFilter struct {
	// Tag keeps only images carrying this tag (after cleaning).
	Tag string
}

// ListImages returns every image ordered by image_id, each with its tag list
// ([] when untagged).
func (s *Store) ListImages(ctx context.Context, filter ListFilter) ([]Image, error) {
	if s == nil {
		return nil, errNotInitialized
	}
	images, err := s.allImages(ctx)
	if err != nil {
		return nil, err
	}

	// Tags are aggregated in Go; GROUP_CONCAT and array_agg differ per engine.
	rows, err := s.DB.QueryContext(ctx, `SELECT it.image_id, t.name FROM image_tags it JOIN tags t ON t.id = it.tag_id ORDER BY t.name;`)
	if err != nil {
		return nil, err
	}
	byPK := make(map[int64][]string)
	for rows.Next() {
		var pk int64
		var name string
		if err := rows.Scan(&pk, &name); err != nil {
			rows.Close()
			return nil, err
		}
		byPK[pk] = append(byPK[pk], name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	want := CleanTag(filter.Tag)
	out := make([]Image, 0, len(images))
	for _, img := range images {
		img.Tags = byPK[img.ID]
		if img.Tags == nil {
			img.Tags = []string{}
		}
		if want != "" && !contains(img.Tags, want) {
			continue
		}
		out = append(out, img)
	}
	return out, nil
}

// allImages returns rows without tags.
func (s *Store) allImages(ctx context.Context) ([]Image, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+imageColumns+` FROM images ORDER BY image_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var images []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// AllImages returns every row without tags, for maintenance passes.
func (s *Store) AllImages(ctx context.Context) ([]Image, error) {
	if s == nil {
		return nil, errNotInitialized
	}
	return s.allImages(ctx)
}

// UpsertImage inserts img or refreshes the fields a sync run owns: paths,
// film stock and EXIF. Description, tags and needs_reload are left alone.
func (s *Store) UpsertImage(ctx context.Context, img Image) (Outcome, error) {
	if s == nil {
		return Unchanged, errNotInitialized
	}
	outcome := Unchanged
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanImage(tx.QueryRowContext(ctx, s.q(`SELECT `+imageColumns+` FROM images WHERE image_id = ?;`), img.ImageID))
		if errors.Is(err, sql.ErrNoRows) {
			if err := s.insertImage(ctx, tx, img); err != nil {
				return err
			}
			outcome = Inserted
			return nil
		}
		if err != nil {
			return fmt.Errorf("select %s: %w", img.ImageID, err)
		}
		if sameRunFields(cur, img) {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE images SET thumbnail_path = ?, highres_path = ?, film_stock = ?,
            camera_make = ?, camera_model = ?, lens_model = ?, focal_length = ?, aperture = ?, shutter_speed = ?, iso = ?,
            date_taken = ?, exif_data = ?, updated_at = ? WHERE id = ?;`),
			img.ThumbnailPath, img.HighresPath, img.FilmStock,
			img.CameraMake, img.CameraModel, img.LensModel, img.FocalLength, img.Aperture, img.ShutterSpeed, img.ISO,
			nullString(img.DateTaken), nullJSON(img.ExifData), timestamp(), cur.ID)
		if err != nil {
			return fmt.Errorf("update %s: %w", img.ImageID, err)
		}
		outcome = Updated
		return nil
	})
	if err != nil {
		return Unchanged, err
	}
	return outcome, nil
}

// InsertIfMissing adds img unless its image_id already exists.
func (s *Store) InsertIfMissing(ctx context.Context, img Image) (bool, error) {
	if s == nil {
		return false, errNotInitialized
	}
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var pk int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM images WHERE image_id = ?;`), img.ImageID).Scan(&pk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := s.insertImage(ctx, tx, img); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *Store) insertImage(ctx context.Context, tx *sql.Tx, img Image) error {
	if img.FilmStock == "" {
		img.FilmStock = "Unknown"
	}
	ts := timestamp()
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO images (image_id, film_type, batch_info, filename_base, film_stock,
        thumbnail_path, highres_path, description, camera_make, camera_model, lens_model, focal_length, aperture,
        shutter_speed, iso, date_taken, exif_data, needs_reload, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		img.ImageID, img.FilmType, img.BatchInfo, img.FilenameBase, img.FilmStock,
		img.ThumbnailPath, img.HighresPath, img.Description, img.CameraMake, img.CameraModel, img.LensModel,
		img.FocalLength, img.Aperture, img.ShutterSpeed, img.ISO,
		nullString(img.DateTaken), nullJSON(img.ExifData), false, ts, ts)
	if err != nil {
		return fmt.Errorf("insert %s: %w", img.ImageID, err)
	}
	return nil
}

func sameRunFields(a, b Image) bool {
	return a.ThumbnailPath == b.ThumbnailPath &&
		a.HighresPath == b.HighresPath &&
		a.FilmStock == b.FilmStock &&
		a.CameraMake == b.CameraMake &&
		a.CameraModel == b.CameraModel &&
		a.LensModel == b.LensModel &&
		a.FocalLength == b.FocalLength &&
		a.Aperture == b.Aperture &&
		a.ShutterSpeed == b.ShutterSpeed &&
		a.ISO == b.ISO &&
		nullString(a.DateTaken) == nullString(b.DateTaken) &&
		nullJSON(a.ExifData) == nullJSON(b.ExifData)
}

// UpdateDescription sets the free-text description.
func (s *Store) UpdateDescription(ctx context.Context, imageID, description string) error {
	if s == nil {
		return errNotInitialized
	}
	res, err := s.DB.ExecContext(ctx, s.q(`UPDATE images SET description = ?, updated_at = ? WHERE image_id = ?;`),
		description, timestamp(), imageID)
	return affected(res, err, imageID)
}

// SetNeedsReload flags (or unflags) an image for forced reprocessing.
func (s *Store) SetNeedsReload(ctx context.Context, imageID string, needsReload bool) error {
	if s == nil {
		return errNotInitialized
	}
	res, err := s.DB.ExecContext(ctx, s.q(`UPDATE images SET needs_reload = ?, updated_at = ? WHERE image_id = ?;`),
		needsReload, timestamp(), imageID)
	return affected(res, err, imageID)
}

// MarkedForReload returns flagged images without tags.
func (s *Store) MarkedForReload(ctx context.Context) ([]Image, error) {
	if s == nil {
		return nil, errNotInitialized
	}
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT `+imageColumns+` FROM images WHERE needs_reload = ? ORDER BY image_id;`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var images []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// ClearReloadFlags resets needs_reload for the given ids, or for every row
// when ids is empty.
func (s *Store) ClearReloadFlags(ctx context.Context, ids []string) (int64, error) {
	if s == nil {
		return 0, errNotInitialized
	}
	if len(ids) == 0 {
		res, err := s.DB.ExecContext(ctx, s.q(`UPDATE images SET needs_reload = ? WHERE needs_reload = ?;`), false, true)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, s.q(`UPDATE images SET needs_reload = ? WHERE image_id = ? AND needs_reload = ?;`), false, id, true)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// Stats counts images, images with a camera model, tags and reload flags.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if s == nil {
		return st, errNotInitialized
	}
	queries := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&st.Total, `SELECT COUNT(*) FROM images;`, nil},
		{&st.WithExif, `SELECT COUNT(*) FROM images WHERE camera_model <> '';`, nil},
		{&st.Tags, `SELECT COUNT(*) FROM tags;`, nil},
		{&st.NeedsReload, `SELECT COUNT(*) FROM images WHERE needs_reload = ?;`, []any{true}},
	}
	for _, q := range queries {
		if err := s.DB.QueryRowContext(ctx, s.q(q.query), q.args...).Scan(q.dst); err != nil {
			return st, err
		}
	}
	return st, nil
}

// SanitizedRow carries the new identity for a row whose id changes.
type SanitizedRow struct {
	OldImageID    string
	ImageID       string
	BatchInfo     string
	FilenameBase  string
	ThumbnailPath string
	HighresPath   string
}

// SanitizeImage renames a row to its sanitized identity, or drops it when a
// row with that identity already exists.
func (s *Store) SanitizeImage(ctx context.Context, row SanitizedRow) (SanitizeOutcome, error) {
	if s == nil {
		return 0, errNotInitialized
	}
	var outcome SanitizeOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var oldPK int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM images WHERE image_id = ?;`), row.OldImageID).Scan(&oldPK)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, row.OldImageID)
		}
		if err != nil {
			return err
		}

		var existing int64
		err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM images WHERE image_id = ?;`), row.ImageID).Scan(&existing)
		switch {
		case err == nil:
			if err := s.deleteByPK(ctx, tx, oldPK); err != nil {
				return err
			}
			outcome = Merged
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`UPDATE images SET image_id = ?, batch_info = ?, filename_base = ?,
            thumbnail_path = ?, highres_path = ?, updated_at = ? WHERE id = ?;`),
			row.ImageID, row.BatchInfo, row.FilenameBase, row.ThumbnailPath, row.HighresPath, timestamp(), oldPK)
		if err != nil {
			return fmt.Errorf("rename %s: %w", row.OldImageID, err)
		}
		outcome = Renamed
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// DeleteImage removes an image and its tag links.
func (s *Store) DeleteImage(ctx context.Context, imageID string) error {
	if s == nil {
		return errNotInitialized
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var pk int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM images WHERE image_id = ?;`), imageID).Scan(&pk)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
		}
		if err != nil {
			return err
		}
		return s.deleteByPK(ctx, tx, pk)
	})
}

func (s *Store) deleteByPK(ctx context.Context, tx *sql.Tx, pk int64) error {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM image_tags WHERE image_id = ?;`), pk); err != nil {
		return fmt.Errorf("delete tag links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM images WHERE id = ?;`), pk); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

func affected(res sql.Result, err error, imageID string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// CleanTag lowercases and trims a tag name.
func CleanTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// CleanTags cleans every name, dropping empties and duplicates while keeping
// first-seen order.
func CleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = CleanTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
