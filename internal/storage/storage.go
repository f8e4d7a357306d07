package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

var errNotInitialized = errors.New("store not initialized")

// Store wraps SQL persistence for images, tags, runs and sessions.
type Store struct {
	DB      *sql.DB // Export for direct database access
	dialect dialect
}

type dialect struct {
	driver string
	autoID string
	bigint string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var dialects = map[string]dialect{
	"sqlite":   {driver: "sqlite", autoID: "INTEGER PRIMARY KEY AUTOINCREMENT", bigint: "INTEGER"},
	"sqlite3":  {driver: "sqlite3", autoID: "INTEGER PRIMARY KEY AUTOINCREMENT", bigint: "INTEGER"},
	"postgres": {driver: "postgres", autoID: "SERIAL PRIMARY KEY", bigint: "BIGINT", numbered: true},
}

// New opens (or creates) the SQLite database at path and ensures schema.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open connects with driver ("sqlite" pure Go, "sqlite3" cgo, or "postgres")
// and ensures the schema exists.
func Open(driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}
	if !d.numbered {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY
		// between the API and a concurrent sync.
		db.SetMaxOpenConns(1)
	}
	s := &Store{DB: db, dialect: d}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	var stmts []string
	if !s.dialect.numbered {
		stmts = append(stmts,
			`PRAGMA busy_timeout = 5000;`,
			`PRAGMA foreign_keys = ON;`,
		)
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS images (
            id %s,
            image_id TEXT NOT NULL UNIQUE,
            film_type TEXT NOT NULL,
            batch_info TEXT NOT NULL,
            filename_base TEXT NOT NULL,
            film_stock TEXT NOT NULL DEFAULT 'Unknown',
            thumbnail_path TEXT NOT NULL DEFAULT '',
            highres_path TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            camera_make TEXT NOT NULL DEFAULT '',
            camera_model TEXT NOT NULL DEFAULT '',
            lens_model TEXT NOT NULL DEFAULT '',
            focal_length TEXT NOT NULL DEFAULT '',
            aperture TEXT NOT NULL DEFAULT '',
            shutter_speed TEXT NOT NULL DEFAULT '',
            iso TEXT NOT NULL DEFAULT '',
            date_taken TEXT,
            exif_data TEXT,
            needs_reload BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL
        );`, s.dialect.autoID),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tags (
            id %s,
            name TEXT NOT NULL UNIQUE
        );`, s.dialect.autoID),
		`CREATE TABLE IF NOT EXISTS image_tags (
            image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
            tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
            PRIMARY KEY (image_id, tag_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_image_tags_tag_id ON image_tags(tag_id);`,
		`CREATE INDEX IF NOT EXISTS idx_images_needs_reload ON images(needs_reload);`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            options_json TEXT,
            stats_json TEXT,
            error_message TEXT,
            started_at TEXT NOT NULL,
            completed_at TEXT
        );`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
            token TEXT PRIMARY KEY,
            username TEXT NOT NULL,
            expires_at %s NOT NULL
        );`, s.dialect.bigint),
	)
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	return s.DB.PingContext(ctx)
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.dialect.driver
}

// q rewrites ? placeholders for drivers that need $n.
func (s *Store) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var now = func() time.Time { return time.Now().UTC() }

func timestamp() string {
	return now().Format(time.RFC3339)
}
