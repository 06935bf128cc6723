package capture

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/btcapture/dbopen"
)

// Store is the capture database handle. Every method except Init and Close
// fails with ErrNotInitialized until Init has succeeded.
//
// Writes (Insert, DeleteByID, ClearAll) are serialized by wmu so at most one
// is in flight. Reads go straight to the pool and see the last committed
// state.
type Store struct {
	path   string
	dbOpts []dbopen.Option
	logger *slog.Logger
	now    func() time.Time

	wmu sync.Mutex

	mu    sync.RWMutex
	db    *sql.DB
	owned bool // db was opened by Init and is closed by Close
	ready bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the creation-time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDB makes Init use an already-open handle instead of opening path.
// The handle stays owned by the caller.
func WithDB(db *sql.DB) Option {
	return func(s *Store) { s.db = db }
}

// WithOpenOptions passes extra dbopen options used when Init opens path.
func WithOpenOptions(opts ...dbopen.Option) Option {
	return func(s *Store) { s.dbOpts = append(s.dbOpts, opts...) }
}

// New returns an uninitialized store backed by the SQLite file at path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init acquires the database handle and creates the schema if absent.
// Calling it again re-applies the idempotent DDL and is otherwise a no-op.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		opts := append([]dbopen.Option{dbopen.WithMkdirAll()}, s.dbOpts...)
		db, err := dbopen.Open(s.path, opts...)
		if err != nil {
			return storageErr("init", err)
		}
		s.db = db
		s.owned = true
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := dbopen.ApplySchema(s.db, Schema); err != nil {
		return storageErr("init", err)
	}
	if !s.ready {
		s.logger.Info("capture: store ready", "path", s.path)
	}
	s.ready = true
	return nil
}

// DB returns the underlying handle for sharing with the journal and the
// gate session cache. Nil before Init.
func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Close releases the handle when Init opened it. The store reports
// ErrNotInitialized afterwards until Init is called again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	if !s.owned || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.owned = false
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// Insert validates, assigns the next id and the creation time, and writes
// the record in a single transaction.
func (s *Store) Insert(ctx context.Context, payload, label string) (*Record, error) {
	payload, label, err := Normalize(payload, label)
	if err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	created := s.now().UTC().Truncate(time.Millisecond)
	var id int64
	err = dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO captures (payload, label, created_at) VALUES (?, ?, ?)`,
			payload, label, created.UnixMilli())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, storageErr("insert", err)
	}

	s.logger.Debug("capture: inserted", "capture_id", id, "label", label, "payload_bytes", len(payload))
	return &Record{ID: id, Payload: payload, Label: label, CreatedAt: created}, nil
}

// List returns every record, most recent first, ties broken by id
// descending. The slice is a snapshot owned by the caller.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, payload, label, created_at FROM captures ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return out, nil
}

// Search returns the records whose payload, label or creation time contains
// query, case-insensitively, in List order. A blank query returns List.
func (s *Store) Search(ctx context.Context, query string) ([]*Record, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return all, nil
	}
	out := all[:0]
	for _, r := range all {
		if r.matches(q) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, payload, label, created_at FROM captures WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return r, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// DeleteByID removes one record. A missing id yields *NotFoundError, so a
// second delete of the same id fails.
func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	res, err := dbopen.Exec(ctx, db, `DELETE FROM captures WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete", err)
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	s.logger.Debug("capture: deleted", "capture_id", id)
	return nil
}

// ClearAll removes every record and returns how many existed.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var n int64
	err = dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM captures`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storageErr("clear", err)
	}
	s.logger.Info("capture: cleared", "deleted", n)
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (*Record, error) {
	var (
		r         Record
		createdMs int64
	)
	if err := sc.Scan(&r.ID, &r.Payload, &r.Label, &createdMs); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &r, nil
}
