package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	exifcommon "github.com/dsoprea/go-exif/v3/common"

	"filmarchive/internal/logging"
)

type stubReader struct {
	tags map[string]any
	err  error
}

func (s stubReader) Name() string { return "stub" }
func (s stubReader) Read(ctx context.Context, path string) (map[string]any, error) {
	return s.tags, s.err
}

func TestNormalize(t *testing.T) {
	in := map[string]any{
		"FNumber":         []exifcommon.Rational{{Numerator: 28, Denominator: 10}},
		"Bad":             exifcommon.Rational{Numerator: 1, Denominator: 0},
		"Bias":            []exifcommon.SignedRational{{Numerator: -1, Denominator: 3}, {Numerator: 1, Denominator: 2}},
		"Comment":         []byte("hello\x00\x00"),
		"Make":            "Nikon\x00",
		"ISOSpeedRatings": []uint16{400},
		"Nested":          map[string]any{"inner": []byte("x\x00")},
	}
	got := Normalize(in).(map[string]any)

	if got["FNumber"] != 2.8 {
		t.Fatalf("expected rational unwrapped to 2.8, got %#v", got["FNumber"])
	}
	if got["Bad"] != float64(0) {
		t.Fatalf("zero denominator must give 0, got %#v", got["Bad"])
	}
	bias, ok := got["Bias"].([]any)
	if !ok || len(bias) != 2 || bias[1] != 0.5 {
		t.Fatalf("unexpected signed rationals %#v", got["Bias"])
	}
	if got["Comment"] != "hello" || got["Make"] != "Nikon" {
		t.Fatalf("NULs must be stripped: %#v %#v", got["Comment"], got["Make"])
	}
	if got["ISOSpeedRatings"] != uint64(400) {
		t.Fatalf("single element slice must unwrap, got %#v", got["ISOSpeedRatings"])
	}
	nested := got["Nested"].(map[string]any)
	if nested["inner"] != "x" {
		t.Fatalf("nested maps must normalize, got %#v", nested)
	}
}

func TestFormatters(t *testing.T) {
	cases := []struct {
		name string
		fn   func(any) string
		in   any
		want string
	}{
		{"focal", FormatFocalLength, 50.0, "50mm"},
		{"focal fraction", FormatFocalLength, 35.7, "35mm"},
		{"focal zero", FormatFocalLength, 0.0, ""},
		{"focal missing", FormatFocalLength, nil, ""},
		{"aperture", FormatAperture, 2.8, "f/2.8"},
		{"aperture int", FormatAperture, int64(8), "f/8.0"},
		{"shutter fast", FormatShutterSpeed, 0.001, "1/1000"},
		{"shutter 125", FormatShutterSpeed, 0.008, "1/125"},
		{"shutter third", FormatShutterSpeed, 1.0 / 3.0, "1/3"},
		{"shutter slow", FormatShutterSpeed, 2.0, "2.0s"},
		{"shutter slow fraction", FormatShutterSpeed, 2.5, "2.5s"},
		{"shutter one", FormatShutterSpeed, 1.0, "1.0s"},
		{"shutter text", FormatShutterSpeed, "bulb", "bulb"},
		{"iso", FormatISO, uint64(400), "400"},
		{"iso float", FormatISO, 400.0, "400"},
		{"iso missing", FormatISO, nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.fn(tc.in); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestParseDateTaken(t *testing.T) {
	got := ParseDateTaken(map[string]any{"DateTimeOriginal": "1998:06:01 10:20:30", "DateTime": "2020:01:01 00:00:00"})
	if got == nil || *got != "1998-06-01T10:20:30" {
		t.Fatalf("unexpected date %v", got)
	}
	got = ParseDateTaken(map[string]any{"DateTime": "2020:01:02 03:04:05"})
	if got == nil || *got != "2020-01-02T03:04:05" {
		t.Fatalf("expected DateTime fallback, got %v", got)
	}
	if ParseDateTaken(map[string]any{"DateTimeOriginal": "    :  :     :  :  "}) != nil {
		t.Fatalf("blank exif date must give nil")
	}
	if ParseDateTaken(map[string]any{}) != nil {
		t.Fatalf("missing date must give nil")
	}
}

func TestDeriveFallsBackToISO(t *testing.T) {
	m := Derive(map[string]any{"ISO": float64(100), "Make": " Canon ", "Model": "EOS 5"})
	if m.ISO != "100" || m.CameraMake != "Canon" || m.CameraModel != "EOS 5" {
		t.Fatalf("unexpected metadata %+v", m)
	}
	if m.DateTaken != nil || m.ShutterSpeed != "" {
		t.Fatalf("missing fields must stay empty: %+v", m)
	}
}

func TestExtractor(t *testing.T) {
	ctx := context.Background()
	e := NewExtractor(stubReader{}, logging.Discard())
	m, err := e.Extract(ctx, "/x.jpg")
	if err != nil || m != nil {
		t.Fatalf("no exif must give nil, nil; got %v %v", m, err)
	}

	boom := errors.New("boom")
	e = NewExtractor(stubReader{err: boom}, logging.Discard())
	if _, err := e.Extract(ctx, "/x.jpg"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped reader error, got %v", err)
	}

	e = NewExtractor(stubReader{tags: map[string]any{
		"Model":        "F3",
		"ExposureTime": []exifcommon.Rational{{Numerator: 1, Denominator: 250}},
		"FNumber":      []exifcommon.Rational{{Numerator: 56, Denominator: 10}},
		"FocalLength":  []exifcommon.Rational{{Numerator: 50, Denominator: 1}},
	}}, logging.Discard())
	m, err = e.Extract(ctx, "/x.jpg")
	if err != nil {
		t.Fatal(err)
	}
	want := Metadata{CameraModel: "F3", ShutterSpeed: "1/250", Aperture: "f/5.6", FocalLength: "50mm"}
	got := *m
	got.Exif = nil
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
	raw, err := m.ExifJSON()
	if err != nil || string(raw) != `{"ExposureTime":0.004,"FNumber":5.6,"FocalLength":50,"Model":"F3"}` {
		t.Fatalf("unexpected exif json %s %v", raw, err)
	}
}

func TestNativeReaderMissingFile(t *testing.T) {
	_, err := NativeReader{}.Read(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestNewMetadataReader(t *testing.T) {
	for name, want := range map[string]string{"": "native", "native": "native", "exiftool": "exiftool"} {
		r, err := NewMetadataReader(name)
		if err != nil || r.Name() != want {
			t.Fatalf("%q: got %v %v", name, r, err)
		}
	}
	if _, err := NewMetadataReader("pillow"); err == nil {
		t.Fatalf("expected error for unknown reader")
	}
}
