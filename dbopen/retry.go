package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// backoff is the pause before each replay of a statement that hit a lock.
var backoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

// ErrMaxRetries is returned when every attempt hit a lock.
var ErrMaxRetries = errors.New("dbopen: database still locked after retries")

var busyMarkers = []string{"SQLITE_BUSY", "database is locked", "database table is locked"}

// IsBusy reports whether err is SQLite lock contention rather than a real
// I/O fault.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range busyMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RunTx runs fn inside a transaction; fn's writes commit together or not at
// all. A transaction that hits a lock is replayed from the start, at most
// three attempts in total.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, runOnce(ctx, db, fn)
	})
	return err
}

// Exec runs one statement with the same lock policy as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return withRetry(ctx, func() (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	})
}

func withRetry[T any](ctx context.Context, attempt func() (T, error)) (T, error) {
	for i := 0; ; i++ {
		v, err := attempt()
		if err == nil || !IsBusy(err) {
			return v, err
		}
		if i == len(backoff) {
			var zero T
			return zero, fmt.Errorf("%w: %v", ErrMaxRetries, err)
		}
		t := time.NewTimer(backoff[i])
		select {
		case <-ctx.Done():
			t.Stop()
			var zero T
			return zero, fmt.Errorf("dbopen: gave up waiting for lock: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
