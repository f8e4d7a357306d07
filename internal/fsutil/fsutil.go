package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var sourceExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".tif":  {},
	".tiff": {},
}

var jpegExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
}

var tiffExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// IsSourceImage reports whether path has a scan extension we transcode.
func IsSourceImage(path string) bool {
	_, ok := sourceExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsJPEG checks for .jpg/.jpeg in any case.
func IsJPEG(path string) bool {
	_, ok := jpegExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsTIFF checks for .tif/.tiff in any case.
func IsTIFF(path string) bool {
	_, ok := tiffExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsIgnoredName reports hidden files, AppleDouble resource forks and
// partial-upload markers.
func IsIgnoredName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "part_")
}

// IsResourceFork reports AppleDouble "._" names.
func IsResourceFork(name string) bool {
	return strings.HasPrefix(name, "._")
}

// TrimExt strips the final extension from a file name.
func TrimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SiblingJPEG returns a JPEG next to path with the same basename, or "".
func SiblingJPEG(path string) string {
	base := TrimExt(path)
	return FirstExisting(base+".jpg", base+".jpeg", base+".JPG", base+".JPEG")
}

// Exists reports whether path can be stat'ed.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemoveMatching deletes the files in dir whose names start with prefix and
// end with suffix, and returns how many went. Names are compared literally,
// so glob characters in dir or prefix are harmless.
func RemoveMatching(dir, prefix, suffix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	var firstErr error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
