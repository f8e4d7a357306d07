package index

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, body string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestSignature(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.tif")
	mtime := time.Unix(1700000000, 0)
	writeFile(t, p, "12345", mtime)

	if got := Signature(p); got != "1700000000:5" {
		t.Fatalf("unexpected signature %q", got)
	}
	if got := Signature(filepath.Join(dir, "missing")); got != "0:0" {
		t.Fatalf("expected 0:0 for missing file, got %q", got)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib", ".processing_index")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open missing index: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("missing index should be empty")
	}
	_ = s.Put("/src/a.tif", "/lib/a/600/a.jpg", "1:2")
	_ = s.Put("/src/a.tif", "/lib/a/2560/a.jpg", "1:2")
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected only the index file after flush, got %d entries", len(entries))
	}
	body, _ := os.ReadFile(path)
	if !strings.Contains(string(body), "/src/a.tif|/lib/a/600/a.jpg|1:2\n") {
		t.Fatalf("unexpected index body %q", body)
	}

	reloaded, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", reloaded.Len())
	}
	if sig, ok := reloaded.Get("/src/a.tif", "/lib/a/2560/a.jpg"); !ok || sig != "1:2" {
		t.Fatalf("unexpected entry %q %v", sig, ok)
	}
}

func TestFileStoreSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".processing_index")
	body := "garbage\n/a|/b|1:1\n/c|/d\n\n/e|/f|2:2|extra\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one valid entry, got %d", s.Len())
	}
}

func TestLeftoverTempDoesNotAffectIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".processing_index")
	if err := os.WriteFile(path, []byte("/a|/b|1:1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// a crash between write and rename leaves a half-written temp file behind
	if err := os.WriteFile(filepath.Join(dir, ".processing_index.123.tmp"), []byte("/a|/b|9"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sig, _ := s.Get("/a", "/b"); sig != "1:1" {
		t.Fatalf("index must come from the renamed file only, got %q", sig)
	}
}

func TestNeedsUpdate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.tif")
	dst := filepath.Join(dir, "lib", "600", "a.jpg")
	old := time.Unix(1600000000, 0)
	newer := time.Unix(1700000000, 0)

	s, _ := OpenFile(filepath.Join(dir, "idx"))
	writeFile(t, src, "source", newer)

	if !NeedsUpdate(s, src, dst) {
		t.Fatalf("missing target must need update")
	}

	writeFile(t, dst, "target", old)
	if !NeedsUpdate(s, src, dst) {
		t.Fatalf("source newer than target without index entry must need update")
	}

	_ = s.Put(src, dst, Signature(src))
	if NeedsUpdate(s, src, dst) {
		t.Fatalf("matching signature must skip")
	}

	_ = s.Put(src, dst, "1:1")
	writeFile(t, dst, "target", newer.Add(time.Hour))
	if NeedsUpdate(s, src, dst) {
		t.Fatalf("stale signature but older source must skip")
	}
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.db")
	s, err := Open("bolt", path)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	if _, ok := s.Get("/a", "/b"); ok {
		t.Fatalf("expected empty store")
	}
	if err := s.Put("/a", "/b", "3:4"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open("bolt", path)
	if err != nil {
		t.Fatalf("reopen bolt: %v", err)
	}
	defer s.Close()
	if sig, ok := s.Get("/a", "/b"); !ok || sig != "3:4" {
		t.Fatalf("unexpected bolt entry %q %v", sig, ok)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", "x"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
