package index

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps signatures in memory and persists them as
// "source|target|mtime:size" lines.
type FileStore struct {
	path    string
	mu      sync.Mutex
	entries map[string]string
}

// OpenFile loads path. A missing file yields an empty index; malformed lines
// are skipped.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path, entries: make(map[string]string)}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			continue
		}
		s.entries[key(parts[0], parts[1])] = parts[2]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return s, nil
}

func (s *FileStore) Get(source, target string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.entries[key(source, target)]
	return sig, ok
}

func (s *FileStore) Put(source, target, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(source, target)] = signature
	return nil
}

func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Flush writes a temp file next to the index and renames it into place.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('|')
		b.WriteString(s.entries[k])
		b.WriteByte('\n')
	}
	s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create index temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write index temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync index temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
