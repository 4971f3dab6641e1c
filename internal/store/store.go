// Package store is the optional on-disk cache for collaboration
// sessions: an append-only log of document updates plus a compacted
// snapshot per document, kept in SQLite. Restoring a document replays
// the snapshot and the tail of the log through the replica's own merge,
// so a cache populated by any mix of local and remote updates rebuilds
// the same converged content.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open creates or opens the cache database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL lets the session append while the CLI reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		update_data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_document_updates_document_id ON document_updates(document_id);

	CREATE TABLE IF NOT EXISTS snapshots (
		document_id TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AppendUpdate adds one update to a document's log.
func (s *Store) AppendUpdate(documentID string, update []byte) error {
	if err := s.ensureDocument(documentID); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT INTO document_updates (document_id, update_data) VALUES (?, ?)",
		documentID, update,
	)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		"UPDATE documents SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		documentID,
	)
	return err
}

// Updates returns a document's logged updates in append order.
func (s *Store) Updates(documentID string) ([][]byte, error) {
	rows, err := s.db.Query(
		"SELECT update_data FROM document_updates WHERE document_id = ? ORDER BY id ASC",
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		updates = append(updates, data)
	}
	return updates, rows.Err()
}

// UpdateCount returns the length of a document's update log.
func (s *Store) UpdateCount(documentID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM document_updates WHERE document_id = ?",
		documentID,
	).Scan(&count)
	return count, err
}

// Snapshot returns a document's compacted snapshot, or nil when none
// has been written yet.
func (s *Store) Snapshot(documentID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT snapshot_data FROM snapshots WHERE document_id = ?",
		documentID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

// Compact replaces a document's entire update log with one snapshot.
// The snapshot must be the replica's full state encoded as an update,
// so that loading it back goes through the normal merge path.
func (s *Store) Compact(documentID string, snapshot []byte) error {
	if err := s.ensureDocument(documentID); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO snapshots (document_id, snapshot_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			updated_at = CURRENT_TIMESTAMP
	`, documentID, snapshot)
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM document_updates WHERE document_id = ?", documentID); err != nil {
		return err
	}

	return tx.Commit()
}

// Load returns a document's snapshot followed by its logged updates,
// in the order they should be merged into a fresh replica.
func (s *Store) Load(documentID string) ([][]byte, error) {
	snapshot, err := s.Snapshot(documentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	updates, err := s.Updates(documentID)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}

	if snapshot == nil {
		return updates, nil
	}
	return append([][]byte{snapshot}, updates...), nil
}

// Documents lists cached document ids, most recently touched first.
func (s *Store) Documents() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM documents ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ensureDocument(documentID string) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO documents (id) VALUES (?)", documentID)
	return err
}
