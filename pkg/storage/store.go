// Package storage holds uploaded file blobs on disk, keyed by their derived
// file id, with a SQLite index of upload metadata alongside. The blob on disk
// is authoritative; the index exists for operational visibility and survives
// same-id overwrites.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates no blob exists under the requested file id.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidID indicates a file id that could escape the storage
	// directory or collide with the filesystem's reserved names.
	ErrInvalidID = errors.New("invalid file id")
)

// Upload is one row of the upload index.
type Upload struct {
	FileID     string
	Filename   string
	Uploader   string
	Size       int64
	UploadedAt time.Time
}

// Store is the server-side file store.
type Store struct {
	dir string
	db  *sql.DB
}

// Open prepares the storage directory and opens the upload index database,
// creating both if needed.
func Open(dir, dbPath string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload index: %w", err)
	}

	// WAL allows the metrics/list readers to run alongside upload writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of immediately failing with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS uploads (
		file_id     TEXT PRIMARY KEY,
		filename    TEXT NOT NULL,
		uploader    TEXT NOT NULL,
		size        INTEGER NOT NULL,
		uploaded_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize upload index: %w", err)
	}

	return &Store{dir: dir, db: db}, nil
}

// Close closes the upload index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes a blob under the given file id, overwriting any existing blob
// with the same id. An index failure does not fail the write; the blob is
// already durable at that point.
func (s *Store) Put(fileID, filename, uploader string, data []byte) error {
	if !validFileID(fileID) {
		return ErrInvalidID
	}

	path := filepath.Join(s.dir, fileID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO uploads (file_id, filename, uploader, size, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		fileID, filename, uploader, int64(len(data)), time.Now().UnixMilli(),
	)
	if err != nil {
		log.Printf("Upload index write failed for %q: %v", fileID, err)
	}

	return nil
}

// Get reads the blob stored under the given file id.
func (s *Store) Get(fileID string) ([]byte, error) {
	if !validFileID(fileID) {
		return nil, ErrInvalidID
	}

	data, err := os.ReadFile(filepath.Join(s.dir, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// List returns the upload index, most recent first.
func (s *Store) List() ([]Upload, error) {
	rows, err := s.db.Query(
		`SELECT file_id, filename, uploader, size, uploaded_at FROM uploads ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query upload index: %w", err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var u Upload
		var uploadedAt int64
		if err := rows.Scan(&u.FileID, &u.Filename, &u.Uploader, &u.Size, &uploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload row: %w", err)
		}
		u.UploadedAt = time.UnixMilli(uploadedAt)
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// validFileID rejects ids that could resolve outside the storage directory.
// File ids are client-influenced (they embed the original filename), so both
// Put and Get check.
func validFileID(fileID string) bool {
	if fileID == "" || fileID == "." || fileID == ".." {
		return false
	}
	if strings.ContainsAny(fileID, "/\\") {
		return false
	}
	return true
}
