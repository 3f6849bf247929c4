// Package entitystore is a small embedded entity graph on top of SQLite.
// Entities have a type, named scalar properties, named blobs and named
// directed links to other entities. All access goes through transactions:
// writers are serialized in-process, readers run concurrently against the
// last committed state.
package entitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DBFileName is the database file created inside the store directory.
const DBFileName = "entities.db"

var ErrClosed = errors.New("entity store closed")

// ErrReadOnly is recorded when a write is attempted inside View.
var ErrReadOnly = errors.New("write in read-only transaction")

type Options struct {
	Logger      *slog.Logger
	BusyTimeout time.Duration
}

type Store struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger

	// writeMu serializes writers. gate is held shared by every transaction
	// and exclusively by Exclusive, which therefore also blocks readers.
	writeMu sync.Mutex
	gate    sync.RWMutex

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the store in dir.
func Open(dir string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := filepath.Join(dir, DBFileName) + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init entity schema: %w", err)
	}
	opts.Logger.Debug("entity store opened", "dir", dir)
	return &Store{db: db, dir: dir, logger: opts.Logger}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS properties (
	entity_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	kind INTEGER NOT NULL,
	value,
	PRIMARY KEY (entity_id, name)
);
CREATE INDEX IF NOT EXISTS idx_properties_lookup ON properties(name, value);

CREATE TABLE IF NOT EXISTS blobs (
	entity_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (entity_id, name)
);

CREATE TABLE IF NOT EXISTS links (
	source_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	target_id INTEGER NOT NULL,
	UNIQUE (source_id, name, target_id)
);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_id);
`

func (s *Store) Dir() string { return s.dir }

// Update runs fn in a read-write transaction. The transaction commits when
// fn returns nil and no entity operation failed, and rolls back otherwise.
func (s *Store) Update(ctx context.Context, fn func(*Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.run(ctx, false, fn)
}

// Exclusive is Update with readers blocked for the duration of fn.
func (s *Store) Exclusive(ctx context.Context, fn func(*Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.run(ctx, false, fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*Txn) error) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(*Txn) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	txn := &Txn{ctx: ctx, tx: tx, readOnly: readOnly}
	if !readOnly {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
			return fmt.Errorf("savepoint: %w", err)
		}
	}
	if err := fn(txn); err != nil {
		return err
	}
	if txn.err != nil {
		return txn.err
	}
	if readOnly {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "RELEASE "+savepointName); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the committed database to dest,
// replacing any existing file there.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.isClosed() {
		return ErrClosed
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

// IntegrityCheck runs SQLite's integrity check and reports the first problem.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.isClosed() {
		return ErrClosed
	}
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// Counts returns the number of entities per type.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.View(ctx, func(txn *Txn) error {
		rows, err := txn.tx.QueryContext(ctx, `SELECT type, COUNT(*) FROM entities GROUP BY type`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var typ string
			var n int
			if err := rows.Scan(&typ, &n); err != nil {
				return err
			}
			counts[typ] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.gate.Lock()
	defer s.gate.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
