package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceTags swaps an image's tag set for tags in one transaction and
// returns the cleaned names that were applied.
func (s *Store) ReplaceTags(ctx context.Context, imageID string, tags []string) ([]string, error) {
	if s == nil {
		return nil, errNotInitialized
	}
	cleaned := CleanTags(tags)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pk, err := s.imagePK(ctx, tx, imageID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM image_tags WHERE image_id = ?;`), pk); err != nil {
			return fmt.Errorf("clear tags: %w", err)
		}
		for _, name := range cleaned {
			if err := s.link(ctx, tx, pk, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cleaned, nil
}

// AddTag appends one tag to an image's existing set and returns the new set.
func (s *Store) AddTag(ctx context.Context, imageID, tag string) ([]string, error) {
	if s == nil {
		return nil, errNotInitialized
	}
	name := CleanTag(tag)
	if name == "" {
		return nil, errors.New("empty tag")
	}
	var pk int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		pk, err = s.imagePK(ctx, tx, imageID)
		if err != nil {
			return err
		}
		return s.link(ctx, tx, pk, name)
	})
	if err != nil {
		return nil, err
	}
	return s.tagsFor(ctx, pk)
}

func (s *Store) imagePK(ctx context.Context, tx *sql.Tx, imageID string) (int64, error) {
	var pk int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM images WHERE image_id = ?;`), imageID).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	return pk, err
}

func (s *Store) link(ctx context.Context, tx *sql.Tx, pk int64, name string) error {
	var tagID int64
	err := tx.QueryRowContext(ctx, s.q(`INSERT INTO tags (name) VALUES (?)
        ON CONFLICT (name) DO UPDATE SET name = excluded.name RETURNING id;`), name).Scan(&tagID)
	if err != nil {
		return fmt.Errorf("upsert tag %q: %w", name, err)
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO image_tags (image_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING;`), pk, tagID)
	if err != nil {
		return fmt.Errorf("link tag %q: %w", name, err)
	}
	return nil
}
