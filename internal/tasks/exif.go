package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
)

// Metadata is the normalized EXIF of one image plus the display fields
// derived from it.
type Metadata struct {
	Exif         map[string]any
	CameraMake   string
	CameraModel  string
	LensModel    string
	FocalLength  string
	Aperture     string
	ShutterSpeed string
	ISO          string
	DateTaken    *string
}

// ExifJSON encodes the normalized tag map.
func (m *Metadata) ExifJSON() (json.RawMessage, error) {
	if m == nil || m.Exif == nil {
		return nil, nil
	}
	b, err := json.Marshal(m.Exif)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// MetadataReader returns the raw tag map of an image, or (nil, nil) when the
// file carries no EXIF block.
type MetadataReader interface {
	Name() string
	Read(ctx context.Context, path string) (map[string]any, error)
}

// NewMetadataReader returns the reader named by processing.metadata_reader.
func NewMetadataReader(name string) (MetadataReader, error) {
	switch name {
	case "", "native":
		return NativeReader{}, nil
	case "exiftool":
		return ExiftoolReader{}, nil
	default:
		return nil, fmt.Errorf("unknown metadata reader %q", name)
	}
}

// NativeReader parses EXIF in-process with go-exif.
type NativeReader struct{}

func (NativeReader) Name() string { return "native" }

func (NativeReader) Read(ctx context.Context, path string) (tags map[string]any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// go-exif panics on some malformed IFDs.
	defer func() {
		if r := recover(); r != nil {
			tags = nil
			err = fmt.Errorf("parse exif: %v", r)
		}
	}()

	raw, err := exif.SearchFileAndExtractExif(path)
	if err != nil {
		if isNoExif(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("extract exif: %w", err)
	}
	flat, _, err := exif.GetFlatExifData(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("parse exif: %w", err)
	}

	tags = make(map[string]any, len(flat))
	for _, t := range flat {
		if t.TagName == "" || t.ChildIfdPath != "" {
			continue
		}
		// IFD0 and the Exif sub-IFD come before the IFD1 thumbnail, so the
		// first value wins.
		if _, seen := tags[t.TagName]; seen {
			continue
		}
		tags[t.TagName] = t.Value
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}

func isNoExif(err error) bool {
	return errors.Is(err, exif.ErrNoExif) || strings.Contains(err.Error(), exif.ErrNoExif.Error())
}

// ExiftoolReader shells out to exiftool -json -n.
type ExiftoolReader struct{}

func (ExiftoolReader) Name() string { return "exiftool" }

// exiftool names that differ from the EXIF tag table.
var exiftoolKeys = map[string]string{
	"ISO":        "ISOSpeedRatings",
	"ModifyDate": "DateTime",
}

func (ExiftoolReader) Read(ctx context.Context, path string) (map[string]any, error) {
	if !commandExists("exiftool") {
		return nil, errors.New("exiftool not found in PATH")
	}
	cmd := exec.CommandContext(ctx, "exiftool", "-json", "-n", "-EXIF:all", path)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("exiftool: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	var parsed []map[string]any
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return nil, fmt.Errorf("decode exiftool output: %w", err)
	}
	if len(parsed) == 0 {
		return nil, nil
	}
	tags := make(map[string]any, len(parsed[0]))
	for k, v := range parsed[0] {
		if k == "SourceFile" {
			continue
		}
		if mapped, ok := exiftoolKeys[k]; ok {
			k = mapped
		}
		tags[k] = v
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}

// Extractor reads and normalizes metadata for the high-res variant.
type Extractor struct {
	reader MetadataReader
	logger *slog.Logger
}

// NewExtractor wraps reader; a nil reader means the native one.
func NewExtractor(reader MetadataReader, logger *slog.Logger) *Extractor {
	if reader == nil {
		reader = NativeReader{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{reader: reader, logger: logger}
}

// Reader returns the configured reader.
func (e *Extractor) Reader() MetadataReader { return e.reader }

// Extract returns (nil, nil) when the image carries no EXIF.
func (e *Extractor) Extract(ctx context.Context, path string) (*Metadata, error) {
	raw, err := e.reader.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	if raw == nil {
		e.logger.Warn("no exif metadata", "path", path, "reader", e.reader.Name())
		return nil, nil
	}
	normalized, _ := Normalize(raw).(map[string]any)
	return Derive(normalized), nil
}

// Derive fills the display fields from a normalized tag map.
func Derive(tags map[string]any) *Metadata {
	m := &Metadata{Exif: tags}
	m.CameraMake = textValue(tags["Make"])
	m.CameraModel = textValue(tags["Model"])
	m.LensModel = textValue(tags["LensModel"])
	m.FocalLength = FormatFocalLength(tags["FocalLength"])
	m.Aperture = FormatAperture(tags["FNumber"])
	m.ShutterSpeed = FormatShutterSpeed(tags["ExposureTime"])
	iso := tags["ISOSpeedRatings"]
	if isEmpty(iso) {
		iso = tags["ISO"]
	}
	m.ISO = FormatISO(iso)
	m.DateTaken = ParseDateTaken(tags)
	return m
}

// Normalize converts decoded tag values into JSON-safe ones.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return stripNUL(x)
	case []byte:
		return stripNUL(strings.ToValidUTF8(string(x), ""))
	case exifcommon.Rational:
		return ratio(float64(x.Numerator), float64(x.Denominator))
	case exifcommon.SignedRational:
		return ratio(float64(x.Numerator), float64(x.Denominator))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case bool:
		return x
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case fmt.Stringer:
		return stripNUL(x.String())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Len() == 1 {
			return Normalize(rv.Index(0).Interface())
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = Normalize(iter.Value().Interface())
		}
		return out
	}
	return stripNUL(fmt.Sprintf("%v", v))
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	}
	f, ok := toFloat(v)
	return ok && f == 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

func textValue(v any) string {
	if isEmpty(v) {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// FormatFocalLength renders "50mm"; zero or missing values give "".
func FormatFocalLength(v any) string {
	if isEmpty(v) {
		return ""
	}
	if f, ok := toFloat(v); ok {
		return fmt.Sprintf("%dmm", int64(f))
	}
	return fmt.Sprint(v)
}

// FormatAperture renders "f/2.8".
func FormatAperture(v any) string {
	if isEmpty(v) {
		return ""
	}
	if f, ok := toFloat(v); ok {
		return fmt.Sprintf("f/%.1f", f)
	}
	return "f/" + fmt.Sprint(v)
}

// FormatShutterSpeed renders "1/125" below a second and "2.0s" otherwise.
func FormatShutterSpeed(v any) string {
	if isEmpty(v) {
		return ""
	}
	f, ok := toFloat(v)
	if !ok {
		return fmt.Sprint(v)
	}
	if f < 0 {
		return ""
	}
	if f < 1 {
		// 1/(1/3) is 2.9999999999999996 in float64
		return "1/" + strconv.FormatInt(int64(1/f+1e-9), 10)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s + "s"
}

// FormatISO renders integral values without a fraction.
func FormatISO(v any) string {
	if isEmpty(v) {
		return ""
	}
	if f, ok := toFloat(v); ok {
		if f == math.Trunc(f) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

const exifDateLayout = "2006:01:02 15:04:05"

// ParseDateTaken reads DateTimeOriginal, falling back to DateTime. Unparseable
// values give nil.
func ParseDateTaken(tags map[string]any) *string {
	raw := textValue(tags["DateTimeOriginal"])
	if raw == "" {
		raw = textValue(tags["DateTime"])
	}
	if raw == "" {
		return nil
	}
	t, err := time.Parse(exifDateLayout, raw)
	if err != nil {
		return nil
	}
	s := t.Format("2006-01-02T15:04:05")
	return &s
}
