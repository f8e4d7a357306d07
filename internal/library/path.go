// Package library knows the on-disk layout of the film archive: how a variant
// path maps to an image identity and how names are sanitized.
package library

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrUnparseable is returned for paths that do not follow
// {film_type}/{batch}/{image}/{resolution}/{file}.
var ErrUnparseable = errors.New("unparseable library path")

// UnknownStock is the film stock recorded when none can be derived.
const UnknownStock = "Unknown"

// Location is the structured identity of one variant file.
type Location struct {
	ImageID      string
	FilmType     string
	BatchInfo    string
	FilenameBase string
	FilmStock    string
	Resolution   string
	Filename     string
}

var stockPattern = regexp.MustCompile(`(?:_)?([A-Za-z]+[0-9]+)$`)

// Parse derives a Location from path relative to root. filmTypes lists the
// allowed top-level directories.
func Parse(root, path string, filmTypes []string) (Location, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s: %v", ErrUnparseable, path, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return Location{}, fmt.Errorf("%w: %s is outside %s", ErrUnparseable, path, root)
	}

	parts := strings.Split(rel, "/")
	if len(parts) < 5 {
		return Location{}, fmt.Errorf("%w: %s has %d segments", ErrUnparseable, rel, len(parts))
	}
	if !contains(filmTypes, parts[0]) {
		return Location{}, fmt.Errorf("%w: unknown film type %q", ErrUnparseable, parts[0])
	}

	return Location{
		ImageID:      ImageID(parts[0], parts[1], parts[2]),
		FilmType:     parts[0],
		BatchInfo:    parts[1],
		FilenameBase: parts[2],
		FilmStock:    FilmStock(parts[2]),
		Resolution:   parts[3],
		Filename:     parts[len(parts)-1],
	}, nil
}

// ImageID builds the natural key shared by all variants of one photo.
func ImageID(filmType, batch, base string) string {
	return filmType + "/" + batch + "/" + base
}

// SplitImageID is the inverse of ImageID.
func SplitImageID(id string) (filmType, batch, base string, ok bool) {
	parts := strings.SplitN(id, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// FilmStock extracts a trailing letters+digits code such as "HP5" or
// "portra400" from a filename base.
func FilmStock(base string) string {
	m := stockPattern.FindStringSubmatch(base)
	if m == nil {
		return UnknownStock
	}
	return m[1]
}

var sanitizer = strings.NewReplacer(" ", "_", "#", "n")

// Sanitize makes a directory or file name URL- and shell-safe.
func Sanitize(name string) string {
	return sanitizer.Replace(name)
}

// SanitizeImageID sanitizes each component of an image id.
func SanitizeImageID(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = Sanitize(p)
	}
	return strings.Join(parts, "/")
}

// TranslatePrefix replaces a leading from with to, once. Paths without the
// prefix are returned unchanged.
func TranslatePrefix(path, from, to string) string {
	if from == "" || !strings.HasPrefix(path, from) {
		return path
	}
	return to + strings.TrimPrefix(path, from)
}

// VariantPath returns root/filmType/batch/base/variant/base.jpg.
func VariantPath(root, filmType, batch, base, variant string) string {
	return filepath.Join(root, filmType, batch, base, variant, base+".jpg")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
