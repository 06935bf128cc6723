// Package dbopen opens the SQLite files btcapture keeps its captures, journal
// and operator sessions in.
//
// Every pooled connection is opened with foreign_keys on, a 10s busy
// timeout and the configured synchronous level; the file itself is switched
// to WAL so capture listings keep working while an insert is in flight.
//
// Importing dbopen registers the modernc.org/sqlite driver.
//
//	db, err := dbopen.Open("captures.db", dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

const (
	driverName  = "sqlite"
	memoryPath  = ":memory:"
	busyTimeout = 10_000
)

// Synchronous levels accepted by WithSynchronous.
var syncLevels = map[string]bool{"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true}

type settings struct {
	synchronous string
	mkdirAll    bool
	schemas     []string
}

// Option customises Open.
type Option func(*settings)

// WithSynchronous sets PRAGMA synchronous (OFF, NORMAL, FULL or EXTRA).
// FULL costs an fsync per commit and guarantees the last confirmed capture
// survives a power cut.
func WithSynchronous(level string) Option {
	return func(s *settings) {
		if level != "" {
			s.synchronous = strings.ToUpper(level)
		}
	}
}

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(s *settings) { s.mkdirAll = true } }

// WithSchema queues idempotent DDL run once the database is open.
func WithSchema(ddl string) Option {
	return func(s *settings) { s.schemas = append(s.schemas, ddl) }
}

// Open opens the SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := settings{synchronous: "NORMAL"}
	for _, o := range opts {
		o(&s)
	}
	if !syncLevels[s.synchronous] {
		return nil, fmt.Errorf("dbopen: unknown synchronous level %q", s.synchronous)
	}

	if s.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open(driverName, s.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if err := s.prepare(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// prepare verifies the handle, switches the file to WAL and applies the
// queued schemas.
func (s *settings) prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("dbopen: ping: %w", err)
	}
	// ":memory:" carries no DSN parameters, so the pragmas are set here too.
	for _, p := range s.pragmas() {
		if _, err := db.Exec("PRAGMA " + p); err != nil {
			return fmt.Errorf("dbopen: pragma %s: %w", p, err)
		}
	}
	return ApplySchema(db, s.schemas...)
}

func (s *settings) pragmas() []string {
	return []string{
		"journal_mode = WAL",
		"foreign_keys = ON",
		fmt.Sprintf("busy_timeout = %d", busyTimeout),
		"synchronous = " + s.synchronous,
	}
}

// dsn adds modernc _pragma parameters so every pooled connection gets the
// per-connection pragmas, not only the first one.
func (s *settings) dsn(path string) string {
	if path == memoryPath {
		return path
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous("+s.synchronous+")")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// ApplySchema runs each DDL block in order. Stores call it from Init so an
// injected handle is prepared the same way as one Open created.
func ApplySchema(db *sql.DB, schemas ...string) error {
	for i, ddl := range schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("dbopen: schema block %d: %w", i, err)
		}
	}
	return nil
}

// OpenMemory returns an in-memory database closed through t.Cleanup. The
// pool is pinned to one connection: each new ":memory:" connection would be
// a separate empty database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
