// Package store provides durable SQLite-backed storage for retry settings
// and session history.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/retry"
)

// Store wraps the SQLite database. All access is serialized through mu; the
// database is small and contention is negligible.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id       TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	attempts_used INTEGER NOT NULL,
	reason        TEXT,
	started_at    TIMESTAMP NOT NULL,
	ended_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_ended ON session_history(ended_at DESC);
`

// Open opens (creating if necessary) the database under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dataDir, "grokretry.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetSetting stores a single override, replacing any previous value.
func (s *Store) SetSetting(key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the stored value for key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// DeleteSetting removes a stored override.
func (s *Store) DeleteSetting(key string) error {
	if s == nil || s.db == nil {
		return errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// Settings keys accepted by SettingsSource. Values are stored as decimal
// strings.
const (
	KeyMaxRetries               = "max_retries"
	KeyRetryCooldownMs          = "retry_cooldown_ms"
	KeyRateLimitWaitMs          = "rate_limit_wait_ms"
	KeyRapidFailureThresholdSec = "rapid_failure_threshold_sec"
)

// SettingsSource returns a retry.SettingsSource that layers stored overrides
// on top of base. A read error surfaces to the caller, which falls back to
// its own defaults.
func (s *Store) SettingsSource(base retry.Settings) retry.SettingsSource {
	return retry.SettingsFunc(func() (retry.Settings, error) {
		out := base

		v, err := s.intSetting(KeyMaxRetries)
		if err != nil {
			return out, err
		}
		if v > 0 {
			out.MaxRetries = v
		}

		if v, err = s.intSetting(KeyRetryCooldownMs); err != nil {
			return out, err
		} else if v > 0 {
			out.RetryCooldown = time.Duration(v) * time.Millisecond
		}

		if v, err = s.intSetting(KeyRateLimitWaitMs); err != nil {
			return out, err
		} else if v > 0 {
			out.RateLimitWait = time.Duration(v) * time.Millisecond
		}

		if v, err = s.intSetting(KeyRapidFailureThresholdSec); err != nil {
			return out, err
		} else if v > 0 {
			out.RapidFailureThreshold = time.Duration(v) * time.Second
		}

		return out, nil
	})
}

// intSetting reads a stored integer override; 0 means unset. A stored value
// that does not parse is treated as unset rather than poisoning every
// settings read.
func (s *Store) intSetting(key string) (int, error) {
	raw, err := s.GetSetting(key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}
