package shield

import (
	"database/sql"
	"fmt"

	"github.com/hazyhaar/btcapture/dbopen"
)

// Schema holds the rate_limits rules read by RateLimiter, keyed by
// "METHOD /path". Sign-in and scan start are seeded so password guessing and
// radio hammering are throttled out of the box; operators tune rows in
// SQLite and the reloader picks them up within a minute.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES
    ('POST /api/auth/login',  10, 60, 1),
    ('POST /api/device/scan', 30, 60, 1);
`

// Init creates the rate_limits table and seeds the default rules.
func Init(db *sql.DB) error {
	if err := dbopen.ApplySchema(db, Schema); err != nil {
		return fmt.Errorf("shield: %w", err)
	}
	return nil
}
