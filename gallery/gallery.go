// Package gallery keeps an index of every photo and video saved by the camera
// and serves it as the local media picker.
package gallery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tuzkov/camscreen/medialib"
)

type Store struct {
	log *slog.Logger
	db  *sql.DB
}

func Open(log *slog.Logger, path string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("fail to create gallery dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("fail to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS media (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			location TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_media_kind_created ON media(kind, created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("fail to create tables: %w", err)
	}

	return &Store{
		log: log.With("svc", "gallery"),
		db:  db,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores item, filling in a missing ID, name or timestamp.
func (s *Store) Add(ctx context.Context, item medialib.Item) (medialib.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Name == "" {
		item.Name = filepath.Base(item.Location)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media (id, kind, name, location, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, string(item.Kind), item.Name, item.Location, item.CreatedAt.UnixMilli())
	if err != nil {
		return item, fmt.Errorf("fail to insert media: %w", err)
	}

	s.log.DebugContext(ctx, "media added", "id", item.ID, "kind", item.Kind, "location", item.Location)
	return item, nil
}

// List returns up to limit items of the given kinds, newest first. No kinds
// means every kind, a non-positive limit means no limit.
func (s *Store) List(ctx context.Context, limit int, kinds ...medialib.Kind) ([]medialib.Item, error) {
	query := `SELECT id, kind, name, location, created_at FROM media`
	args := make([]any, 0, len(kinds)+1)
	if len(kinds) > 0 {
		marks := make([]string, len(kinds))
		for i, k := range kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += " WHERE kind IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fail to query media: %w", err)
	}
	defer rows.Close()

	var items []medialib.Item
	for rows.Next() {
		var (
			item    medialib.Item
			kind    string
			created int64
		)
		if err := rows.Scan(&item.ID, &kind, &item.Name, &item.Location, &created); err != nil {
			return nil, fmt.Errorf("fail to scan media: %w", err)
		}
		item.Kind = medialib.Kind(kind)
		item.CreatedAt = time.UnixMilli(created)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Pick returns the newest item of the given kinds or nil.
func (s *Store) Pick(ctx context.Context, kinds ...medialib.Kind) (*medialib.Item, error) {
	items, err := s.List(ctx, 1, kinds...)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}
