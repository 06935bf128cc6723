// Package journal records what happened to captures and to the device
// session: saves, deletions, clears, state transitions. It is an operator
// history, not a log sink. A failing journal never fails the operation
// that produced the event; the write error goes to slog instead.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/btcapture/dbopen"
	"github.com/hazyhaar/btcapture/idgen"
)

// Event types.
const (
	CaptureSaved      = "capture_saved"
	CaptureDeleted    = "capture_deleted"
	CapturesCleared   = "captures_cleared"
	SessionTransition = "session_transition"
	OperatorSignIn    = "operator_sign_in"
	OperatorSignOut   = "operator_sign_out"
)

// Schema is the capture_events table. created_at is unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS capture_events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	entity_id  TEXT NOT NULL DEFAULT '',
	operator   TEXT NOT NULL DEFAULT '',
	transport  TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	success    INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capture_events_created ON capture_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_capture_events_type ON capture_events(event_type, created_at DESC);
`

// Event is one journal entry to record.
type Event struct {
	Type      string
	EntityID  string // capture id, device id
	Operator  string
	Transport string // "http", "mcp", "radio"
	Details   map[string]any
	Success   bool
}

// Entry is a recorded event.
type Entry struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	EntityID  string          `json:"entity_id,omitempty"`
	Operator  string          `json:"operator,omitempty"`
	Transport string          `json:"transport,omitempty"`
	Details   json.RawMessage `json:"details"`
	Success   bool            `json:"success"`
	CreatedAt time.Time       `json:"created_at"`
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the slog logger used for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(j *Logger) { j.logger = l }
}

// WithIDGenerator sets the event id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(j *Logger) { j.newID = gen }
}

// WithClock sets the time source.
func WithClock(fn func() time.Time) Option {
	return func(j *Logger) { j.now = fn }
}

// Logger writes events to capture_events.
type Logger struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
	now    func() time.Time
}

// New applies the schema and returns a Logger on db.
func New(db *sql.DB, opts ...Option) (*Logger, error) {
	j := &Logger{
		db:     db,
		logger: slog.Default(),
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	if err := dbopen.ApplySchema(db, Schema); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return j, nil
}

// Log records ev. Errors are logged, not returned.
func (j *Logger) Log(ctx context.Context, ev Event) {
	details := []byte("{}")
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			j.logger.Warn("journal: details not encodable", "event_type", ev.Type, "error", err)
		} else {
			details = b
		}
	}
	_, err := dbopen.Exec(ctx, j.db, `
		INSERT INTO capture_events (
			event_id, event_type, entity_id, operator, transport, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		j.newID(), ev.Type, ev.EntityID, ev.Operator, ev.Transport, string(details), ev.Success,
		j.now().UnixMilli())
	if err != nil {
		j.logger.Error("journal: write failed", "event_type", ev.Type, "error", err)
	}
}

// Recent returns up to limit entries, newest first. eventType filters when
// non-empty. limit <= 0 means 100.
func (j *Logger) Recent(ctx context.Context, eventType string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT event_id, event_type, entity_id, operator, transport, details, success, created_at
		FROM capture_events`
	args := []any{}
	if eventType != "" {
		q += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY created_at DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var details string
		var ms int64
		if err := rows.Scan(&e.ID, &e.Type, &e.EntityID, &e.Operator, &e.Transport, &details, &e.Success, &ms); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Details = json.RawMessage(details)
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than days. days <= 0 keeps everything.
func (j *Logger) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	res, err := dbopen.Exec(ctx, j.db, `DELETE FROM capture_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// RunRetention calls Cleanup every interval until ctx is done.
func (j *Logger) RunRetention(ctx context.Context, days int, every time.Duration) {
	if days <= 0 || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := j.Cleanup(ctx, days)
			if err != nil {
				j.logger.Warn("journal: retention", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Info("journal: retention", "deleted", n, "days", days)
			}
		}
	}
}
