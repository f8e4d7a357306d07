package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"filmarchive/internal/config"
	"filmarchive/internal/storage"
)

const (
	adminSalt = "8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c3d"
	adminHash = "72da3a80e88ef72ee3b237ea713256ce63cf2caf53f67c63655f8286982a305d"
)

func TestHashPasswordKnownVector(t *testing.T) {
	if got := HashPassword("admin123", adminSalt); got != adminHash {
		t.Fatalf("unexpected hash %s", got)
	}
}

func TestVerifier(t *testing.T) {
	v := NewVerifier([]config.User{{Username: "admin", Salt: adminSalt, Hash: adminHash}})
	if err := v.Check("admin", "admin123"); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	for _, tc := range []struct{ user, pass string }{
		{"admin", "wrong"},
		{"nobody", "admin123"},
		{"", ""},
	} {
		if err := v.Check(tc.user, tc.pass); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s/%s: expected ErrInvalidCredentials, got %v", tc.user, tc.pass, err)
		}
	}
}

func TestRandomValues(t *testing.T) {
	salt, err := NewSalt()
	if err != nil || len(salt) != 32 {
		t.Fatalf("unexpected salt %q %v", salt, err)
	}
	a, _ := NewToken()
	b, _ := NewToken()
	if len(a) != 64 || a == b {
		t.Fatalf("tokens must be 256-bit and distinct: %s %s", a, b)
	}
	if !Verify("pw", salt, HashPassword("pw", salt)) {
		t.Fatalf("round trip with fresh salt failed")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	s, err := m.Create(ctx, "admin", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, s.Token)
	if err != nil || got.Username != "admin" {
		t.Fatalf("unexpected session %+v %v", got, err)
	}
	if err := m.Delete(ctx, s.Token); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, s.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("deleted session must be gone, got %v", err)
	}

	short, _ := m.Create(ctx, "admin", 10*time.Millisecond)
	_, _ = m.Create(ctx, "other", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, err := m.Get(ctx, short.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired session must be rejected, got %v", err)
	}
	if n, _ := m.Sweep(ctx); n != 1 {
		t.Fatalf("expected the remaining expired session swept, got %d", n)
	}
}

func TestDBStore(t *testing.T) {
	ctx := context.Background()
	st, err := storage.New(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	clock := time.Unix(1_700_000_000, 0)
	d := NewDBStore(st)
	d.now = func() time.Time { return clock }

	s, err := d.Create(ctx, "admin", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	stale, _ := d.Create(ctx, "admin", time.Minute)
	if got, err := d.Get(ctx, s.Token); err != nil || got.Username != "admin" {
		t.Fatalf("unexpected session %+v %v", got, err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := d.Get(ctx, stale.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired session must be rejected, got %v", err)
	}
	if _, _, err := st.LoadSession(ctx, stale.Token); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("expired session must be evicted on read, got %v", err)
	}

	clock = clock.Add(2 * time.Hour)
	if n, err := d.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("expected one swept session, got %d %v", n, err)
	}
	if _, err := d.Get(ctx, "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown token must be ErrSessionNotFound, got %v", err)
	}
}

func TestNewSessionStore(t *testing.T) {
	if _, err := NewSessionStore("memory", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSessionStore("database", nil); err == nil {
		t.Fatalf("database store without a database must fail")
	}
	if _, err := NewSessionStore("redis", nil); err == nil {
		t.Fatalf("unknown store must fail")
	}
}
