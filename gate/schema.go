package gate

// Schema holds the single operator session row. slot is pinned to 1.
const Schema = `
CREATE TABLE IF NOT EXISTS operator_session (
	slot       INTEGER PRIMARY KEY CHECK (slot = 1),
	session_id TEXT NOT NULL,
	username   TEXT NOT NULL,
	token      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`
