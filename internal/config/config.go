package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/filmarchive/config.json"
	configEnv         = "FILMARCHIVE_CONFIG"
	envPrefix         = "FILMARCHIVE"
)

// Config holds user-editable settings for the archive.
type Config struct {
	Library    Library    `mapstructure:"library" json:"library"`
	Processing Processing `mapstructure:"processing" json:"processing"`
	Database   Database   `mapstructure:"database" json:"database"`
	Index      Index      `mapstructure:"index" json:"index"`
	Server     Server     `mapstructure:"server" json:"server"`
	Auth       Auth       `mapstructure:"auth" json:"auth"`
	Watch      Watch      `mapstructure:"watch" json:"watch"`
	Logging    Logging    `mapstructure:"logging" json:"logging"`

	path string
}

// Library describes where scans come from and where variants are written.
type Library struct {
	Root            string   `mapstructure:"root" json:"root"`
	Sources         []Source `mapstructure:"sources" json:"sources"`
	FilmTypes       []string `mapstructure:"film_types" json:"film_types"`
	ScannerPrefix   string   `mapstructure:"scanner_prefix" json:"scanner_prefix"`
	DatabasePrefix  string   `mapstructure:"database_prefix" json:"database_prefix"`
	FollowPlainDirs bool     `mapstructure:"follow_plain_dirs" json:"follow_plain_dirs"`
}

// Source is one mirror directory holding (symlinked) batch directories.
type Source struct {
	FilmType string `mapstructure:"film_type" json:"film_type"`
	Path     string `mapstructure:"path" json:"path"`
}

// Processing controls variant generation.
type Processing struct {
	Variants       []Variant `mapstructure:"variants" json:"variants"`
	Quality        int       `mapstructure:"quality" json:"quality"`
	Transcoder     string    `mapstructure:"transcoder" json:"transcoder"`           // auto, magick-exiftool, magick, imagick, imaging
	MetadataReader string    `mapstructure:"metadata_reader" json:"metadata_reader"` // native, exiftool
}

// Variant is a named resolution folder and its ImageMagick-style bound.
type Variant struct {
	Name  string `mapstructure:"name" json:"name"`
	Bound string `mapstructure:"bound" json:"bound"`
}

// Database selects the SQL driver and its DSN.
type Database struct {
	Driver string `mapstructure:"driver" json:"driver"` // sqlite, sqlite3, postgres
	DSN    string `mapstructure:"dsn" json:"dsn"`
}

// Index configures the change-detection signature store.
type Index struct {
	Backend string `mapstructure:"backend" json:"backend"` // file, bolt
	Path    string `mapstructure:"path" json:"path"`
}

// Server configures the HTTP API.
type Server struct {
	Addr         string        `mapstructure:"addr" json:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	LoginRate    float64       `mapstructure:"login_rate" json:"login_rate"`
	LoginBurst   int           `mapstructure:"login_burst" json:"login_burst"`
}

// Auth holds API users and session settings.
type Auth struct {
	Users        []User        `mapstructure:"users" json:"users"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" json:"token_ttl"`
	SessionStore string        `mapstructure:"session_store" json:"session_store"` // memory, database
}

// User is a PBKDF2 credential entry as printed by `filmarchive hash-password`.
type User struct {
	Username string `mapstructure:"username" json:"username"`
	Salt     string `mapstructure:"salt" json:"salt"`
	Hash     string `mapstructure:"hash" json:"hash"`
}

// Watch configures the filesystem-triggered sync.
type Watch struct {
	Debounce time.Duration `mapstructure:"debounce" json:"debounce"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `mapstructure:"level" json:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"`           // text, json
	FileOutput bool   `mapstructure:"file_output" json:"file_output"` // Enable file logging
	LogDir     string `mapstructure:"log_dir" json:"log_dir"`
}

// Load reads configuration from FILMARCHIVE_CONFIG or the default path,
// falling back to defaults when the file does not exist.
func Load() (*Config, error) {
	configPath := os.Getenv(configEnv)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. Environment variables prefixed
// with FILMARCHIVE_ override file values (library.root -> FILMARCHIVE_LIBRARY_ROOT).
func LoadFile(path string) (*Config, error) {
	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	source := ""
	if _, err := os.Stat(expanded); err == nil {
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", expanded, err)
		}
		source = expanded
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.path = source
	applyListDefaults(cfg)

	if cfg.Library.Root, err = expandUser(cfg.Library.Root); err != nil {
		return nil, err
	}
	if cfg.Index.Path == "" && cfg.Index.Backend == "file" {
		cfg.Index.Path = filepath.Join(cfg.Library.Root, ".processing_index")
	}
	if cfg.Index.Path == "" && cfg.Index.Backend == "bolt" {
		cfg.Index.Path = filepath.Join(cfg.Library.Root, ".processing_index.db")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("library.root", "/mnt/omv/Photo/Picture_library")
	v.SetDefault("library.scanner_prefix", "/mnt/omv/Photo/Picture_library")
	v.SetDefault("library.database_prefix", "/opt/media")
	v.SetDefault("library.follow_plain_dirs", false)

	v.SetDefault("processing.quality", 85)
	v.SetDefault("processing.transcoder", "auto")
	v.SetDefault("processing.metadata_reader", "native")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(os.TempDir(), "filmarchive.db"))

	v.SetDefault("index.backend", "file")
	v.SetDefault("index.path", "")

	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.login_rate", 1.0)
	v.SetDefault("server.login_burst", 10)

	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.session_store", "memory")

	v.SetDefault("watch.debounce", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file_output", false)
	v.SetDefault("logging.log_dir", "./logs")
}

// Slices are defaulted after decoding so a file listing one source does not
// inherit the second default entry.
func applyListDefaults(cfg *Config) {
	if len(cfg.Library.FilmTypes) == 0 {
		cfg.Library.FilmTypes = []string{"rollfilm", "sheetfilm"}
	}
	if len(cfg.Library.Sources) == 0 {
		cfg.Library.Sources = []Source{
			{FilmType: "rollfilm", Path: "/mnt/omv/Photo/Collected/Rollfilm"},
			{FilmType: "sheetfilm", Path: "/mnt/omv/Photo/Collected/Sheetfilm"},
		}
	}
	if len(cfg.Processing.Variants) == 0 {
		cfg.Processing.Variants = []Variant{
			{Name: "600", Bound: "600x600>"},
			{Name: "2560", Bound: "2560x2560>"},
		}
	}
}

var boundPattern = regexp.MustCompile(`^[0-9]+x[0-9]+>?$`)

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var problems []string
	if c.Library.Root == "" {
		problems = append(problems, "library.root is empty")
	}
	if len(c.Library.FilmTypes) == 0 {
		problems = append(problems, "library.film_types is empty")
	}
	for _, src := range c.Library.Sources {
		if !c.IsFilmType(src.FilmType) {
			problems = append(problems, fmt.Sprintf("source %s: unknown film type %q", src.Path, src.FilmType))
		}
	}
	if len(c.Processing.Variants) != 2 {
		problems = append(problems, "processing.variants must list exactly a thumbnail and a high-res variant")
	}
	for _, v := range c.Processing.Variants {
		if v.Name == "" || !boundPattern.MatchString(v.Bound) {
			problems = append(problems, fmt.Sprintf("variant %q: bound %q is not WxH>", v.Name, v.Bound))
		}
	}
	if c.Processing.Quality < 1 || c.Processing.Quality > 100 {
		problems = append(problems, fmt.Sprintf("processing.quality %d out of range 1-100", c.Processing.Quality))
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q unsupported", c.Database.Driver))
	}
	switch c.Index.Backend {
	case "file", "bolt":
	default:
		problems = append(problems, fmt.Sprintf("index.backend %q unsupported", c.Index.Backend))
	}
	switch c.Auth.SessionStore {
	case "memory", "database":
	default:
		problems = append(problems, fmt.Sprintf("auth.session_store %q unsupported", c.Auth.SessionStore))
	}
	if c.Auth.TokenTTL <= 0 {
		problems = append(problems, "auth.token_ttl must be positive")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Path returns the file the configuration was read from, or "" when only
// defaults and environment were used.
func (c *Config) Path() string { return c.path }

// IsFilmType reports whether name is one of the configured top-level folders.
func (c *Config) IsFilmType(name string) bool {
	for _, ft := range c.Library.FilmTypes {
		if ft == name {
			return true
		}
	}
	return false
}

// Thumbnail returns the small variant (first configured).
func (p Processing) Thumbnail() Variant { return p.Variants[0] }

// HighRes returns the large variant (second configured).
func (p Processing) HighRes() Variant { return p.Variants[1] }

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
