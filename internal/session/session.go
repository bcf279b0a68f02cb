// Package session implements the session manager (C9): per-session STM,
// emotive/metadata accumulators, and effective config, guarded by a
// KV-backed leased lock that serializes mutating operations on one session
// while letting distinct sessions run concurrently (spec §4.9, §9's
// "replace OS-level lock with a KV-backed leased lock" redesign).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/katoid"
	"github.com/sevakavakians/kato/internal/logging"
)

// ErrNotFound is SessionNotFound (spec §7): expired or deleted.
var ErrNotFound = errors.New("session not found")

// ErrBusy is SessionBusy (spec §7): lock acquisition timed out.
var ErrBusy = errors.New("session busy")

// ErrConfigInvalid is SessionConfigInvalid (spec §7).
var ErrConfigInvalid = errors.New("session config invalid")

// lockTTL is the lease duration used for the per-session lock (spec §4.9:
// "~30s TTL and heartbeat").
const lockTTL = 30 * time.Second

// lockWait is the bounded wait before a lock acquisition attempt reports
// SessionBusy.
const lockWait = 5 * time.Second

// Session is the persisted per-session state: STM, emotive/metadata
// accumulators (raw, un-averaged — averaging happens on read in
// internal/emotive), and the effective SessionConfig resolved at create
// time (defaults overlaid with any config_override).
type Session struct {
	ID             string
	KBID           string
	NodeID         string
	Config         config.SessionConfig
	STM            []katoid.Event
	EmotiveEntries []map[string]float64
	Metadata       []string
	TTL            time.Duration
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Store is the KV-backed persistence + lease-lock capability a Manager is
// built on (spec §6.1's "session KV store" contract).
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, sess Session) error
	Delete(ctx context.Context, id string) error

	// TryAcquireLock attempts to take the lease for id under token,
	// succeeding either when unheld or when the existing lease has expired.
	TryAcquireLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, id, token string) error
}

// Manager implements the C9 operations over a Store.
type Manager struct {
	settings *config.Settings
	store    Store
	log      *logging.Logger
}

// NewManager builds a Manager bound to settings and store.
func NewManager(settings *config.Settings, store Store) *Manager {
	return &Manager{settings: settings, store: store, log: logging.Default.WithComponent("session")}
}

// Create assigns a session_id, derives kb_id from node_id (spec §3), and
// persists a blank STM. override, if non-nil, replaces the process default
// SessionConfig wholesale and is validated before anything is persisted.
func (m *Manager) Create(ctx context.Context, nodeID string, ttl time.Duration, override *config.SessionConfig) (Session, error) {
	cfg := m.settings.DefaultSessionConfig()
	if override != nil {
		cfg = *override
	}
	if err := cfg.Validate(m.settings.StrictMode); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	now := time.Now()
	sess := Session{
		ID:        uuid.New().String(),
		KBID:      m.settings.SanitizeNodeID(nodeID),
		NodeID:    nodeID,
		Config:    cfg,
		TTL:       ttl,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.Put(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("session: create: %w", err)
	}
	m.log.Info("session created", map[string]interface{}{"session_id": sess.ID, "kb_id": sess.KBID})
	return sess, nil
}

// Get loads a session, refreshing its TTL if the process settings enable
// auto-extend.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if m.settings.SessionAutoExtend {
		sess.ExpiresAt = time.Now().Add(sess.TTL)
		if err := m.store.Put(ctx, sess); err != nil {
			return Session{}, fmt.Errorf("session: auto-extend: %w", err)
		}
	}
	return sess, nil
}

// Update acquires the session lock, loads the session, runs fn to mutate
// it, persists the result, and releases the lock — the only path by which
// session state changes, guaranteeing strict per-session serialization
// (spec §4.9, §4.10 step 2/5/6).
func (m *Manager) Update(ctx context.Context, sessionID string, fn func(*Session) error) error {
	token := uuid.New().String()
	if err := m.acquireLock(ctx, sessionID, token); err != nil {
		return err
	}
	defer func() {
		if err := m.store.ReleaseLock(ctx, sessionID, token); err != nil {
			m.log.Warn("failed to release session lock", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		}
	}()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := fn(&sess); err != nil {
		return err
	}
	sess.UpdatedAt = time.Now()
	if err := m.store.Put(ctx, sess); err != nil {
		return fmt.Errorf("session: update: %w", err)
	}
	return nil
}

// Extend resets a session's expiry to ttl from now, under the session lock.
func (m *Manager) Extend(ctx context.Context, sessionID string, ttl time.Duration) error {
	return m.Update(ctx, sessionID, func(s *Session) error {
		s.TTL = ttl
		s.ExpiresAt = time.Now().Add(ttl)
		return nil
	})
}

// Delete removes a session, under the session lock so it never races a
// concurrent mutating call.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	token := uuid.New().String()
	if err := m.acquireLock(ctx, sessionID, token); err != nil {
		return err
	}
	defer func() {
		if err := m.store.ReleaseLock(ctx, sessionID, token); err != nil {
			m.log.Warn("failed to release session lock", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		}
	}()
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// UpdateConfig merges partial into the session's effective SessionConfig,
// validates the result, and persists it — spec §4.10's update_config(partial)
// op. partial's keys are JSON paths into SessionConfig's toml/json field
// names (e.g. "recall_threshold"); unknown keys are rejected rather than
// silently ignored.
func (m *Manager) UpdateConfig(ctx context.Context, sessionID string, partial map[string]interface{}) error {
	return m.Update(ctx, sessionID, func(s *Session) error {
		raw, err := json.Marshal(s.Config)
		if err != nil {
			return fmt.Errorf("session: marshal config: %w", err)
		}
		for key, value := range partial {
			if !gjson.GetBytes(raw, key).Exists() {
				return fmt.Errorf("%w: unknown config field %q", ErrConfigInvalid, key)
			}
			raw, err = sjson.SetBytes(raw, key, value)
			if err != nil {
				return fmt.Errorf("%w: setting %q: %v", ErrConfigInvalid, key, err)
			}
		}
		var merged config.SessionConfig
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("session: unmarshal merged config: %w", err)
		}
		if err := merged.Validate(m.settings.StrictMode); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
		s.Config = merged
		return nil
	})
}

func (m *Manager) load(ctx context.Context, sessionID string) (Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if time.Now().After(sess.ExpiresAt) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// acquireLock retries TryAcquireLock with exponential backoff, bounded by
// lockWait, surfacing ErrBusy on timeout (spec §4.9's "bounded wait").
func (m *Manager) acquireLock(ctx context.Context, sessionID, token string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := m.store.TryAcquireLock(ctx, sessionID, token, lockTTL)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("session: acquire lock: %w", err))
		}
		if !ok {
			return struct{}{}, fmt.Errorf("session %s lock held", sessionID)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(lockWait))

	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		return fmt.Errorf("%w: %s", ErrBusy, sessionID)
	}
	return nil
}
