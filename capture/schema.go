package capture

// Schema is the DDL for the captures table. AUTOINCREMENT (not a bare
// INTEGER PRIMARY KEY) guarantees ids are never reused, even after the
// highest row is deleted or the table is cleared.
const Schema = `
CREATE TABLE IF NOT EXISTS captures (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    payload    TEXT    NOT NULL CHECK (length(payload) > 0),
    label      TEXT    NOT NULL CHECK (length(label) > 0),
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_created ON captures(created_at DESC, id DESC);
`
