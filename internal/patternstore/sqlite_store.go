package patternstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteMetadataStore is the KV metadata store (spec §6.1): frequency,
// emotive windows, and metadata tags, namespaced by kb_id, keyed by
// pattern name. Grounded on the teacher's sqlite.go schema/transaction
// idiom (ON CONFLICT upsert, one connection, WAL-friendly single writer).
type SQLiteMetadataStore struct {
	db *sql.DB
}

// NewSQLiteMetadataStore opens (creating if absent) the sqlite file at
// path and ensures its schema exists.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate sqlite: %v", ErrUnavailable, err)
	}
	return &SQLiteMetadataStore{db: db}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pattern_frequency (
	kb_id TEXT NOT NULL,
	name  TEXT NOT NULL,
	frequency INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (kb_id, name)
);
CREATE TABLE IF NOT EXISTS pattern_emotives (
	kb_id TEXT NOT NULL,
	name  TEXT NOT NULL,
	windows_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (kb_id, name)
);
CREATE TABLE IF NOT EXISTS pattern_metadata (
	kb_id TEXT NOT NULL,
	name  TEXT NOT NULL,
	tags_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (kb_id, name)
);
`

// InitFrequency inserts a fresh frequency row (used on first-ever learn of
// a pattern, frequency=1), a no-op if the row already exists.
func (s *SQLiteMetadataStore) InitFrequency(kbID, name string, freq uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO pattern_frequency (kb_id, name, frequency) VALUES (?, ?, ?)
		 ON CONFLICT(kb_id, name) DO NOTHING`,
		kbID, name, freq)
	if err != nil {
		return fmt.Errorf("%w: init frequency: %v", ErrUnavailable, err)
	}
	return nil
}

// IncrementFrequency atomically bumps frequency by 1 and returns the new
// value.
func (s *SQLiteMetadataStore) IncrementFrequency(kbID, name string) (uint64, error) {
	_, err := s.db.Exec(
		`INSERT INTO pattern_frequency (kb_id, name, frequency) VALUES (?, ?, 1)
		 ON CONFLICT(kb_id, name) DO UPDATE SET frequency = frequency + 1`,
		kbID, name)
	if err != nil {
		return 0, fmt.Errorf("%w: increment frequency: %v", ErrUnavailable, err)
	}
	return s.GetFrequency(kbID, name)
}

// GetFrequency returns the current frequency, 0 if absent.
func (s *SQLiteMetadataStore) GetFrequency(kbID, name string) (uint64, error) {
	var freq uint64
	err := s.db.QueryRow(
		`SELECT frequency FROM pattern_frequency WHERE kb_id = ? AND name = ?`,
		kbID, name).Scan(&freq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get frequency: %v", ErrUnavailable, err)
	}
	return freq, nil
}

// PushEmotives pushes one averaged value per key into that pattern's FIFO
// windows (trimmed to capacity), read-modify-write under a transaction.
func (s *SQLiteMetadataStore) PushEmotives(kbID, name string, values map[string]float64, capacity int) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var windowsJSON string
	err = tx.QueryRow(
		`SELECT windows_json FROM pattern_emotives WHERE kb_id = ? AND name = ?`,
		kbID, name).Scan(&windowsJSON)
	windows := make(map[string][]float64)
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(windowsJSON), &windows); jsonErr != nil {
			return fmt.Errorf("patternstore: corrupt emotive windows for %s/%s: %w", kbID, name, jsonErr)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("%w: read emotive windows: %v", ErrUnavailable, err)
	}

	for k, v := range values {
		if v == 0 {
			continue
		}
		w := append(windows[k], v)
		if len(w) > capacity && capacity > 0 {
			w = w[len(w)-capacity:]
		}
		windows[k] = w
	}

	data, err := json.Marshal(windows)
	if err != nil {
		return fmt.Errorf("patternstore: marshal emotive windows: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO pattern_emotives (kb_id, name, windows_json) VALUES (?, ?, ?)
		 ON CONFLICT(kb_id, name) DO UPDATE SET windows_json = excluded.windows_json`,
		kbID, name, string(data))
	if err != nil {
		return fmt.Errorf("%w: write emotive windows: %v", ErrUnavailable, err)
	}
	return tx.Commit()
}

// GetEmotives returns the per-key arithmetic mean of each window's current
// contents.
func (s *SQLiteMetadataStore) GetEmotives(kbID, name string) (map[string]float64, error) {
	var windowsJSON string
	err := s.db.QueryRow(
		`SELECT windows_json FROM pattern_emotives WHERE kb_id = ? AND name = ?`,
		kbID, name).Scan(&windowsJSON)
	if err == sql.ErrNoRows {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get emotives: %v", ErrUnavailable, err)
	}
	windows := make(map[string][]float64)
	if err := json.Unmarshal([]byte(windowsJSON), &windows); err != nil {
		return nil, fmt.Errorf("patternstore: corrupt emotive windows for %s/%s: %w", kbID, name, err)
	}
	out := make(map[string]float64, len(windows))
	for k, vs := range windows {
		if len(vs) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range vs {
			sum += v
		}
		out[k] = sum / float64(len(vs))
	}
	return out, nil
}

// UnionMetadata merges tags into the pattern's persisted tag set.
func (s *SQLiteMetadataStore) UnionMetadata(kbID, name string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var tagsJSON string
	err = tx.QueryRow(
		`SELECT tags_json FROM pattern_metadata WHERE kb_id = ? AND name = ?`,
		kbID, name).Scan(&tagsJSON)
	set := make(map[string]struct{})
	if err == nil {
		var existing []string
		if jsonErr := json.Unmarshal([]byte(tagsJSON), &existing); jsonErr != nil {
			return fmt.Errorf("patternstore: corrupt metadata for %s/%s: %w", kbID, name, jsonErr)
		}
		for _, t := range existing {
			set[t] = struct{}{}
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("%w: read metadata: %v", ErrUnavailable, err)
	}
	for _, t := range tags {
		set[t] = struct{}{}
	}

	merged := make([]string, 0, len(set))
	for t := range set {
		merged = append(merged, t)
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("patternstore: marshal metadata: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO pattern_metadata (kb_id, name, tags_json) VALUES (?, ?, ?)
		 ON CONFLICT(kb_id, name) DO UPDATE SET tags_json = excluded.tags_json`,
		kbID, name, string(data))
	if err != nil {
		return fmt.Errorf("%w: write metadata: %v", ErrUnavailable, err)
	}
	return tx.Commit()
}

// GetMetadata returns the pattern's persisted tag set.
func (s *SQLiteMetadataStore) GetMetadata(kbID, name string) ([]string, error) {
	var tagsJSON string
	err := s.db.QueryRow(
		`SELECT tags_json FROM pattern_metadata WHERE kb_id = ? AND name = ?`,
		kbID, name).Scan(&tagsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get metadata: %v", ErrUnavailable, err)
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("patternstore: corrupt metadata for %s/%s: %w", kbID, name, err)
	}
	return tags, nil
}

// DropPartition deletes every metadata row for kbID.
func (s *SQLiteMetadataStore) DropPartition(kbID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()
	for _, table := range []string{"pattern_frequency", "pattern_emotives", "pattern_metadata"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE kb_id = ?`, kbID); err != nil {
			return fmt.Errorf("%w: drop partition from %s: %v", ErrUnavailable, table, err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *SQLiteMetadataStore) Close() error {
	return s.db.Close()
}
