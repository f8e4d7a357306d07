package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv(configEnv, filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Path() != "" {
		t.Fatalf("expected no config path, got %q", cfg.Path())
	}
	if cfg.Processing.Quality != 85 {
		t.Fatalf("expected quality 85, got %d", cfg.Processing.Quality)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Fatalf("expected 24h token ttl, got %v", cfg.Auth.TokenTTL)
	}
	if got := cfg.Processing.Thumbnail(); got.Name != "600" || got.Bound != "600x600>" {
		t.Fatalf("unexpected thumbnail variant %+v", got)
	}
	if got := cfg.Processing.HighRes(); got.Name != "2560" || got.Bound != "2560x2560>" {
		t.Fatalf("unexpected high-res variant %+v", got)
	}
	if want := filepath.Join(cfg.Library.Root, ".processing_index"); cfg.Index.Path != want {
		t.Fatalf("expected index path %s, got %s", want, cfg.Index.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFileOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
  "library": {
    "root": "` + filepath.ToSlash(dir) + `/library",
    "sources": [{"film_type": "rollfilm", "path": "/src/roll"}]
  },
  "processing": {"quality": 70, "transcoder": "imaging"},
  "auth": {
    "token_ttl": "2h",
    "users": [{"username": "Admin", "salt": "aa", "hash": "bb"}]
  }
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FILMARCHIVE_SERVER_ADDR", "127.0.0.1:9999")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Path() != path {
		t.Fatalf("expected config path %s, got %s", path, cfg.Path())
	}
	if len(cfg.Library.Sources) != 1 || cfg.Library.Sources[0].Path != "/src/roll" {
		t.Fatalf("expected a single configured source, got %+v", cfg.Library.Sources)
	}
	if cfg.Processing.Quality != 70 || cfg.Processing.Transcoder != "imaging" {
		t.Fatalf("processing overrides not applied: %+v", cfg.Processing)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Fatalf("expected 2h ttl, got %v", cfg.Auth.TokenTTL)
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Username != "Admin" {
		t.Fatalf("expected user list preserved, got %+v", cfg.Auth.Users)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected env override for server addr, got %s", cfg.Server.Addr)
	}
	if len(cfg.Processing.Variants) != 2 {
		t.Fatalf("expected default variants, got %+v", cfg.Processing.Variants)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	t.Setenv(configEnv, filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	cfg.Processing.Quality = 0
	cfg.Database.Driver = "oracle"
	cfg.Processing.Variants[0].Bound = "big"
	cfg.Library.Sources = append(cfg.Library.Sources, Source{FilmType: "digital", Path: "/x"})

	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"quality", "oracle", "big", "digital"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/x/y")
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if got != filepath.Join(home, "x/y") {
		t.Fatalf("unexpected expansion %s", got)
	}
	if got, _ := expandUser("/abs"); got != "/abs" {
		t.Fatalf("absolute path changed: %s", got)
	}
}
