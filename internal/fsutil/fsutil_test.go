package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtensionChecks(t *testing.T) {
	for _, name := range []string{"a.jpg", "b.JPEG", "c.tif", "d.TIFF"} {
		if !IsSourceImage(name) {
			t.Fatalf("expected %s to be a source image", name)
		}
	}
	for _, name := range []string{"a.png", "b.cr2", "noext"} {
		if IsSourceImage(name) {
			t.Fatalf("expected %s to be ignored", name)
		}
	}
	if !IsJPEG("x.JPG") || IsJPEG("x.tif") {
		t.Fatalf("IsJPEG misclassified")
	}
	if !IsTIFF("x.Tiff") || IsTIFF("x.jpg") {
		t.Fatalf("IsTIFF misclassified")
	}
}

func TestIgnoredNames(t *testing.T) {
	for _, name := range []string{".DS_Store", "._scan.jpg", "part_scan.tif"} {
		if !IsIgnoredName(name) {
			t.Fatalf("expected %s ignored", name)
		}
	}
	if IsIgnoredName("scan.jpg") {
		t.Fatalf("regular file ignored")
	}
	if !IsResourceFork("._x") || IsResourceFork(".x") {
		t.Fatalf("IsResourceFork misclassified")
	}
}

func TestSiblingJPEG(t *testing.T) {
	dir := t.TempDir()
	tif := filepath.Join(dir, "scan.tif")
	if SiblingJPEG(tif) != "" {
		t.Fatalf("expected no sibling")
	}
	jpg := filepath.Join(dir, "scan.jpeg")
	if err := os.WriteFile(jpg, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := SiblingJPEG(tif); got != jpg {
		t.Fatalf("expected %s, got %s", jpg, got)
	}
}

func TestRemoveMatching(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "roll [2]", "img")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.jpg.tmp.jpg", "a.jpg.tmp2.jpg", "a.jpg", "b.jpg.tmp.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	n, err := RemoveMatching(dir, "a.jpg.tmp", ".jpg")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 removals, got %d (%v)", n, err)
	}
	if !Exists(filepath.Join(dir, "a.jpg")) || !Exists(filepath.Join(dir, "b.jpg.tmp.jpg")) {
		t.Fatalf("only a.jpg temp files may go")
	}
	if n, err := RemoveMatching(filepath.Join(dir, "missing"), "a", ".jpg"); err != nil || n != 0 {
		t.Fatalf("missing dir must be a no-op, got %d (%v)", n, err)
	}
}
