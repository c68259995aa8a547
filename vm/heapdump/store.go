package heapdump

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSnapshotNotFound indicates the requested snapshot doesn't exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Summary is a stored snapshot without its objects.
type Summary struct {
	ID        string
	TakenAt   time.Time
	Collector string
	Objects   int
	HeapBytes int64
}

// Store keeps snapshots in a SQLite database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		taken_at INTEGER NOT NULL,
		collector TEXT NOT NULL,
		objects INTEGER NOT NULL,
		heap_bytes INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores snap, replacing any snapshot with the same id.
func (s *Store) Save(snap *Snapshot) error {
	data, err := Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (id, taken_at, collector, objects, heap_bytes, data) VALUES (?, ?, ?, ?, ?, ?)",
		snap.ID, snap.TakenAt.UnixNano(), snap.Collector, len(snap.Objects), snap.HeapBytes, data,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	log.Infof("saved snapshot %s (%d objects) to %s", snap.ID, len(snap.Objects), s.path)
	return nil
}

// Load retrieves the snapshot with the given id.
func (s *Store) Load(id string) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return Unmarshal(data)
}

// List returns every stored snapshot, oldest first.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.db.Query("SELECT id, taken_at, collector, objects, heap_bytes FROM snapshots ORDER BY taken_at, id")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var result []Summary
	for rows.Next() {
		var sum Summary
		var takenAt int64
		if err := rows.Scan(&sum.ID, &takenAt, &sum.Collector, &sum.Objects, &sum.HeapBytes); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		sum.TakenAt = time.Unix(0, takenAt).UTC()
		result = append(result, sum)
	}
	return result, rows.Err()
}

// Delete removes a snapshot.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return nil
}
