// Package registry is the durable store of declared camera and agent
// entities and recording metadata.
//
// Every successful write to desired state increments the entity's generation
// and enqueues a reconciliation request through the registered Notifier. This
// is how control-plane changes become eventually-consistent cluster changes
// without the reconciler having to poll for correctness; the periodic sweep
// remains as a safety net.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"falconeye/internal/entity"
	"falconeye/pkg/logging"
)

// Notifier receives a reconcile request after every committed write to
// desired state. The reconcile manager implements it.
type Notifier interface {
	EnqueueReconcile(entityID string, generation int64)
}

// StatusListener receives every committed observed-status change. The status
// event uplink implements it; a nil listener disables the feed.
type StatusListener interface {
	StatusChanged(entityID string, status entity.Status, lastError string)
}

// Store is the SQLite-backed registry.
type Store struct {
	db *sql.DB

	mu             sync.RWMutex
	notifier       Notifier
	statusListener StatusListener
}

// Open opens (creating if necessary) the registry database at path and runs
// schema migration. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent reconcile workers.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Info("Registry", "Opened registry store at %s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetNotifier registers the reconcile notifier. Writes committed before a
// notifier is registered are picked up by the periodic sweep.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// SetStatusListener registers the status change listener.
func (s *Store) SetStatusListener(l StatusListener) {
	s.mu.Lock()
	s.statusListener = l
	s.mu.Unlock()
}

func (s *Store) notifyStatus(entityID string, status entity.Status, lastError string) {
	s.mu.RLock()
	l := s.statusListener
	s.mu.RUnlock()

	if l != nil {
		l.StatusChanged(entityID, status, lastError)
	}
}

func (s *Store) notify(entityID string, generation int64) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()

	if n != nil {
		n.EnqueueReconcile(entityID, generation)
	}
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	desired_enabled   INTEGER NOT NULL DEFAULT 0,
	node_constraint   TEXT NOT NULL DEFAULT '',
	generation        INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'pending',
	last_error        TEXT NOT NULL DEFAULT '',
	protocol          TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT '',
	resolution        TEXT NOT NULL DEFAULT '',
	recording_enabled INTEGER NOT NULL DEFAULT 0,
	agent_kind        TEXT NOT NULL DEFAULT '',
	spawn_reason      TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS recordings (
	id         TEXT PRIMARY KEY,
	camera_id  TEXT NOT NULL,
	start_time TIMESTAMP NOT NULL,
	file_path  TEXT NOT NULL DEFAULT '',
	node       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
CREATE INDEX IF NOT EXISTS idx_recordings_camera ON recordings(camera_id, status);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: commit: %w", err)
	}
	return nil
}
