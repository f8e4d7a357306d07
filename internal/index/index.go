// Package index persists change-detection signatures so unchanged sources
// are not transcoded again.
package index

import (
	"fmt"
	"os"
	"strconv"
)

// Store maps a (source, target) pair to the source signature recorded after
// the last successful transcode.
type Store interface {
	Get(source, target string) (string, bool)
	Put(source, target, signature string) error
	Len() int
	// Flush makes all Puts durable. Implementations must replace state atomically.
	Flush() error
	Close() error
}

// Open returns the configured backend ("file" or "bolt") at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return OpenFile(path)
	case "bolt":
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
}

// Signature returns "mtime:size" for path, or "0:0" when it cannot be stat'ed.
func Signature(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "0:0"
	}
	return strconv.FormatInt(info.ModTime().Unix(), 10) + ":" + strconv.FormatInt(info.Size(), 10)
}

// NeedsUpdate decides whether target must be regenerated from source.
func NeedsUpdate(s Store, source, target string) bool {
	targetInfo, err := os.Stat(target)
	if err != nil {
		return true
	}
	if sig, ok := s.Get(source, target); ok && sig == Signature(source) {
		return false
	}
	sourceInfo, err := os.Stat(source)
	if err != nil {
		return false
	}
	return sourceInfo.ModTime().After(targetInfo.ModTime())
}

func key(source, target string) string {
	return source + "|" + target
}
