package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sevakavakians/kato/internal/katoid"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	kb_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	config_json TEXT NOT NULL,
	stm_json TEXT NOT NULL,
	emotives_json TEXT NOT NULL,
	metadata_json TEXT NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS session_locks (
	id TEXT PRIMARY KEY,
	owner_token TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);
`

// SQLiteStore persists sessions and the per-session lease lock in SQLite
// (spec §6.1's "session KV store" contract), grounded on the teacher's
// `src/internal/session/sqlite.go` upsert-by-id idiom.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed session store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kb_id, node_id, config_json, stm_json, emotives_json, metadata_json,
		       ttl_seconds, created_at, updated_at, expires_at
		FROM sessions WHERE id = ?`, id)

	var sess Session
	sess.ID = id
	var configJSON, stmJSON, emotivesJSON, metadataJSON string
	var ttlSeconds int64
	err := row.Scan(&sess.KBID, &sess.NodeID, &configJSON, &stmJSON, &emotivesJSON, &metadataJSON,
		&ttlSeconds, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: get: %w", err)
	}
	sess.TTL = time.Duration(ttlSeconds) * time.Second
	if err := json.Unmarshal([]byte(configJSON), &sess.Config); err != nil {
		return Session{}, fmt.Errorf("session: decode config: %w", err)
	}
	var stm []katoid.Event
	if err := json.Unmarshal([]byte(stmJSON), &stm); err != nil {
		return Session{}, fmt.Errorf("session: decode stm: %w", err)
	}
	sess.STM = stm
	if err := json.Unmarshal([]byte(emotivesJSON), &sess.EmotiveEntries); err != nil {
		return Session{}, fmt.Errorf("session: decode emotives: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
		return Session{}, fmt.Errorf("session: decode metadata: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sess Session) error {
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("session: encode config: %w", err)
	}
	stmJSON, err := json.Marshal(sess.STM)
	if err != nil {
		return fmt.Errorf("session: encode stm: %w", err)
	}
	emotivesJSON, err := json.Marshal(sess.EmotiveEntries)
	if err != nil {
		return fmt.Errorf("session: encode emotives: %w", err)
	}
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("session: encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, kb_id, node_id, config_json, stm_json, emotives_json, metadata_json,
		                       ttl_seconds, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json = excluded.config_json,
			stm_json = excluded.stm_json,
			emotives_json = excluded.emotives_json,
			metadata_json = excluded.metadata_json,
			ttl_seconds = excluded.ttl_seconds,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, sess.ID, sess.KBID, sess.NodeID, string(configJSON), string(stmJSON), string(emotivesJSON), string(metadataJSON),
		int64(sess.TTL/time.Second), sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("session: put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_locks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("session: delete lock: %w", err)
	}
	return tx.Commit()
}

// TryAcquireLock takes the lease for id under token if unheld or expired.
// The UPDATE's WHERE clause only fires when the existing lease has lapsed,
// so RowsAffected tells us whether we actually won the lease.
func (s *SQLiteStore) TryAcquireLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_locks (id, owner_token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_token = excluded.owner_token,
			expires_at = excluded.expires_at
		WHERE session_locks.expires_at < ?
	`, id, token, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("session: try acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: try acquire lock: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_locks WHERE id = ? AND owner_token = ?`, id, token)
	if err != nil {
		return fmt.Errorf("session: release lock: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
