package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DefaultDBFileName is the database file Open creates inside a data directory.
const DefaultDBFileName = "transfers.db"

const checkpointEvery = 24 * time.Hour

// migration i moves the schema from user_version i to i+1.
type migration struct {
	name string
	stmt string
}

var schema = []migration{
	{"create transfers", `
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id    TEXT NOT NULL,
  direction      TEXT NOT NULL CHECK(direction IN ('outbound','inbound')),
  peer_id        TEXT NOT NULL,
  file_name      TEXT NOT NULL,
  mime_type      TEXT NOT NULL DEFAULT '',
  size_bytes     INTEGER NOT NULL,
  chunk_count    INTEGER NOT NULL,
  state          TEXT NOT NULL CHECK(state IN ('requested','awaiting_consent','accepted','rejected','transferring','completed','failed')),
  started_at     INTEGER,
  received_count INTEGER NOT NULL DEFAULT 0,
  average_speed  REAL NOT NULL DEFAULT 0,
  elapsed_ms     INTEGER NOT NULL DEFAULT 0,
  created_at     INTEGER NOT NULL,
  updated_at     INTEGER NOT NULL,
  PRIMARY KEY (transfer_id, direction)
)`},
	{"create chunks", `
CREATE TABLE IF NOT EXISTS chunks (
  transfer_id TEXT NOT NULL,
  chunk_index INTEGER NOT NULL CHECK(chunk_index >= 0),
  data        BLOB NOT NULL,
  stored_at   INTEGER NOT NULL,
  PRIMARY KEY (transfer_id, chunk_index)
)`},
	{"index transfers by direction", `
CREATE INDEX IF NOT EXISTS idx_transfers_direction_time
ON transfers (direction, updated_at DESC, transfer_id)`},
	{"index transfers by peer", `
CREATE INDEX IF NOT EXISTS idx_transfers_peer_state
ON transfers (peer_id, state)`},
}

// Store keeps transfer history and received chunk bytes in one SQLite file.
type Store struct {
	db *sql.DB

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open creates dataDir if needed and opens DefaultDBFileName inside it. It returns the
// database path alongside the store.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(path)
	if err != nil {
		return nil, "", err
	}
	return store, path, nil
}

// OpenPath opens the database at path, switches it to WAL and brings the schema up to date.
func OpenPath(path string) (*Store, error) {
	dsn := "file:" + filepath.ToSlash(path) + "?" + url.Values{
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
	}.Encode()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Store{
		db:      db,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, step := range []func() error{db.Ping, s.useWAL, s.migrate, s.checkpoint} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}

	go s.checkpointLoop(checkpointEvery)
	return s, nil
}

// Close stops background maintenance and closes the database. Later calls return the
// first call's result.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.stopped
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	return nil
}

// migrate applies every migration above the stored user_version in one transaction.
func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if current >= len(schema) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range schema[current:] {
		version := current + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
			return fmt.Errorf("migration %d: bump user_version: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "migrate",
		"from":     current,
		"to":       len(schema),
	}).Debug("Migrated transfer database")
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint WAL: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(every time.Duration) {
	defer close(s.stopped)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.checkpoint(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "checkpointLoop",
					"error":    err,
				}).Warn("WAL checkpoint failed")
			}
		}
	}
}
