package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"filmarchive/internal/storage"
)

// ErrSessionNotFound is returned for unknown or expired tokens.
var ErrSessionNotFound = errors.New("session not found")

// Session is an issued bearer token.
type Session struct {
	Token     string
	Username  string
	ExpiresAt time.Time
}

// SessionStore keeps bearer sessions. Get evicts an expired session it comes
// across; Sweep drops every expired one.
type SessionStore interface {
	Create(ctx context.Context, username string, ttl time.Duration) (Session, error)
	Get(ctx context.Context, token string) (Session, error)
	Delete(ctx context.Context, token string) error
	Sweep(ctx context.Context) (int, error)
}

// NewSessionStore returns the store named by auth.session_store.
func NewSessionStore(kind string, store *storage.Store) (SessionStore, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "database":
		if store == nil {
			return nil, errors.New("database session store needs a database")
		}
		return NewDBStore(store), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", kind)
	}
}

// MemoryStore keeps sessions in process memory. A restart logs everyone out.
type MemoryStore struct {
	c *cache.Cache
}

// NewMemoryStore creates an empty store. Expiry is per item; there is no
// janitor goroutine, eviction happens in Get and Sweep.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: cache.New(cache.NoExpiration, 0)}
}

func (m *MemoryStore) Create(ctx context.Context, username string, ttl time.Duration) (Session, error) {
	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}
	s := Session{Token: token, Username: username, ExpiresAt: time.Now().Add(ttl)}
	m.c.Set(token, s, ttl)
	return s, nil
}

func (m *MemoryStore) Get(ctx context.Context, token string) (Session, error) {
	v, ok := m.c.Get(token)
	if !ok {
		// go-cache hides expired items from Get but keeps them until deleted
		m.c.Delete(token)
		return Session{}, ErrSessionNotFound
	}
	return v.(Session), nil
}

func (m *MemoryStore) Delete(ctx context.Context, token string) error {
	m.c.Delete(token)
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	before := m.c.ItemCount()
	m.c.DeleteExpired()
	return before - m.c.ItemCount(), nil
}

// DBStore keeps sessions in the sessions table so they survive restarts and
// can be shared by several API processes.
type DBStore struct {
	store *storage.Store
	now   func() time.Time
}

// NewDBStore wraps store.
func NewDBStore(store *storage.Store) *DBStore {
	return &DBStore{store: store, now: time.Now}
}

func (d *DBStore) Create(ctx context.Context, username string, ttl time.Duration) (Session, error) {
	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}
	s := Session{Token: token, Username: username, ExpiresAt: d.now().Add(ttl)}
	if err := d.store.SaveSession(ctx, token, username, s.ExpiresAt); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return s, nil
}

func (d *DBStore) Get(ctx context.Context, token string) (Session, error) {
	username, expires, err := d.store.LoadSession(ctx, token)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if !expires.After(d.now()) {
		if err := d.store.DeleteSession(ctx, token); err != nil {
			return Session{}, err
		}
		return Session{}, ErrSessionNotFound
	}
	return Session{Token: token, Username: username, ExpiresAt: expires}, nil
}

func (d *DBStore) Delete(ctx context.Context, token string) error {
	return d.store.DeleteSession(ctx, token)
}

func (d *DBStore) Sweep(ctx context.Context) (int, error) {
	n, err := d.store.DeleteExpiredSessions(ctx, d.now())
	return int(n), err
}
