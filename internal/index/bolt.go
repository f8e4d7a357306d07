package index

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var signatureBucket = []byte("signatures")

// BoltStore keeps signatures in a bolt bucket; every Put is its own transaction.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(signatureBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(source, target string) (string, bool) {
	var sig []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(signatureBucket).Get([]byte(key(source, target))); v != nil {
			sig = append([]byte(nil), v...)
		}
		return nil
	})
	if sig == nil {
		return "", false
	}
	return string(sig), true
}

func (s *BoltStore) Put(source, target, signature string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(signatureBucket).Put([]byte(key(source, target)), []byte(signature))
	})
}

func (s *BoltStore) Len() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(signatureBucket).Stats().KeyN
		return nil
	})
	return n
}

// Flush is a no-op; bolt commits are already durable.
func (s *BoltStore) Flush() error { return nil }

func (s *BoltStore) Close() error { return s.db.Close() }
