package library

import (
	"errors"
	"path/filepath"
	"testing"
)

var filmTypes = []string{"rollfilm", "sheetfilm"}

func TestParseIgnoresResolution(t *testing.T) {
	root := filepath.FromSlash("/lib")
	small, err := Parse(root, filepath.FromSlash("/lib/rollfilm/b1/img1/600/img1.jpg"), filmTypes)
	if err != nil {
		t.Fatalf("parse small: %v", err)
	}
	large, err := Parse(root, filepath.FromSlash("/lib/rollfilm/b1/img1/2560/img1.jpg"), filmTypes)
	if err != nil {
		t.Fatalf("parse large: %v", err)
	}
	if small.ImageID != "rollfilm/b1/img1" || large.ImageID != small.ImageID {
		t.Fatalf("expected shared id rollfilm/b1/img1, got %q and %q", small.ImageID, large.ImageID)
	}
	if small.Resolution != "600" || large.Resolution != "2560" {
		t.Fatalf("unexpected resolutions %q %q", small.Resolution, large.Resolution)
	}
	if small.Filename != "img1.jpg" || small.BatchInfo != "b1" || small.FilmType != "rollfilm" {
		t.Fatalf("unexpected location %+v", small)
	}
}

func TestParseRejects(t *testing.T) {
	root := filepath.FromSlash("/lib")
	cases := map[string]string{
		"too short":    "/lib/rollfilm/b1/img1/img1.jpg",
		"unknown type": "/lib/digital/b1/img1/600/img1.jpg",
		"outside root": "/elsewhere/rollfilm/b1/img1/600/img1.jpg",
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(root, filepath.FromSlash(p), filmTypes)
			if !errors.Is(err, ErrUnparseable) {
				t.Fatalf("expected ErrUnparseable, got %v", err)
			}
		})
	}
}

func TestFilmStock(t *testing.T) {
	cases := map[string]string{
		"scan_HP5":         "HP5",
		"roll12_portra400": "portra400",
		"FP4":              "FP4",
		"IMG_0001":         UnknownStock,
		"untitled":         UnknownStock,
		"":                 UnknownStock,
	}
	for in, want := range cases {
		if got := FilmStock(in); got != want {
			t.Fatalf("FilmStock(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize("my file #3"); got != "my_file_n3" {
		t.Fatalf("unexpected sanitize result %q", got)
	}
	if got := SanitizeImageID("rollfilm/batch #1/my file"); got != "rollfilm/batch_n1/my_file" {
		t.Fatalf("unexpected id sanitize result %q", got)
	}
	clean := "rollfilm/b1/img1"
	if SanitizeImageID(clean) != clean {
		t.Fatalf("clean ids must be unchanged")
	}
}

func TestTranslatePrefix(t *testing.T) {
	from, to := "/mnt/omv/Photo/Picture_library", "/opt/media"
	if got := TranslatePrefix(from+"/rollfilm/b1/img1/600/img1.jpg", from, to); got != "/opt/media/rollfilm/b1/img1/600/img1.jpg" {
		t.Fatalf("unexpected translation %q", got)
	}
	if got := TranslatePrefix("/other/x.jpg", from, to); got != "/other/x.jpg" {
		t.Fatalf("paths without prefix must be unchanged, got %q", got)
	}
	if got := TranslatePrefix("/a/b", "", to); got != "/a/b" {
		t.Fatalf("empty prefix must be a no-op, got %q", got)
	}
}

func TestSplitImageID(t *testing.T) {
	ft, batch, base, ok := SplitImageID("sheetfilm/b 2/img/with/slash")
	if !ok || ft != "sheetfilm" || batch != "b 2" || base != "img/with/slash" {
		t.Fatalf("unexpected split %q %q %q %v", ft, batch, base, ok)
	}
	if _, _, _, ok := SplitImageID("rollfilm/b1"); ok {
		t.Fatalf("expected failure for two segments")
	}
}

func TestVariantPath(t *testing.T) {
	got := VariantPath("/lib", "rollfilm", "b1", "img1", "600")
	if got != filepath.Join("/lib", "rollfilm", "b1", "img1", "600", "img1.jpg") {
		t.Fatalf("unexpected variant path %s", got)
	}
}
