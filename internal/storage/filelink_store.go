package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"mailchat/go-engine/internal/domains/contracts"
)

var fileLinkMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS file_links (
  link_id     TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  size        INTEGER NOT NULL,
  mime_type   TEXT,
  stored_path TEXT NOT NULL,
  created_at  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_file_links_created_at
ON file_links (created_at);
`,
}

// FileLinkStore tracks attachment storage links in a SQLite database. The
// engine only moves link metadata around; file contents stay opaque.
type FileLinkStore struct {
	db *sql.DB
}

func NewFileLinkStore(path string) (*FileLinkStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	for _, migration := range fileLinkMigrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply file link migration: %w", err)
		}
	}
	return &FileLinkStore{db: db}, nil
}

func (s *FileLinkStore) Close() error {
	return s.db.Close()
}

// SaveLink inserts a link row, assigning an id when the caller left it empty.
func (s *FileLinkStore) SaveLink(link contracts.FileLink) (string, error) {
	if link.Name == "" {
		return "", errors.New("file link name is required")
	}
	if link.StoredPath == "" {
		return "", errors.New("file link stored_path is required")
	}
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO file_links (link_id, name, size, mime_type, stored_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		link.ID, link.Name, link.Size, link.MimeType, link.StoredPath, link.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert file link %q: %w", link.ID, err)
	}
	return link.ID, nil
}

func (s *FileLinkStore) GetLink(id string) (contracts.FileLink, bool, error) {
	row := s.db.QueryRow(
		`SELECT link_id, name, size, mime_type, stored_path, created_at
		 FROM file_links WHERE link_id = ?`, id)
	var link contracts.FileLink
	var createdMs int64
	err := row.Scan(&link.ID, &link.Name, &link.Size, &link.MimeType, &link.StoredPath, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.FileLink{}, false, nil
	}
	if err != nil {
		return contracts.FileLink{}, false, err
	}
	link.CreatedAt = time.UnixMilli(createdMs).UTC()
	return link, true, nil
}

// DeleteLink removes the row and the stored file; an absent row is not an
// error, matching the transport's removal semantics.
func (s *FileLinkStore) DeleteLink(id string) error {
	link, found, err := s.GetLink(id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM file_links WHERE link_id = ?`, id); err != nil {
		return err
	}
	if err := os.Remove(link.StoredPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
